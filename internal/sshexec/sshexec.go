// Package sshexec wraps golang.org/x/crypto/ssh for the small set of guest
// control-channel operations the supervisor and enricher need: running a
// command with a bounded deadline and probing for SSH readiness.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Target identifies an SSH endpoint on the loopback-forwarded guest port.
type Target struct {
	Host string // usually "127.0.0.1"
	Port int
	User string
}

func (t Target) addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

func clientConfig(user string, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
}

// RunCommand dials the target, runs cmd, and returns its stdout. The
// context deadline bounds both the dial and the command execution.
func RunCommand(ctx context.Context, t Target, cmd string) (string, error) {
	deadline := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			deadline = d
		}
	}

	conn, err := net.DialTimeout("tcp", t.addr(), deadline)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", t.addr(), err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(deadline))

	cc, chans, reqs, err := ssh.NewClientConn(conn, t.addr(), clientConfig(t.User, deadline))
	if err != nil {
		return "", fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(cc, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(cmd); err != nil {
		return out.String(), fmt.Errorf("run %q: %w", cmd, err)
	}
	return out.String(), nil
}

// WaitForSSH polls until the target answers "true" for `true`, or the
// context is done. Matches the supervisor's SSH-readiness probe: retries at
// a fixed interval up to the context's deadline.
func WaitForSSH(ctx context.Context, t Target, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		_, err := RunCommand(probeCtx, t, "true")
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ssh readiness: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
