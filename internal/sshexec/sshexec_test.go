package sshexec

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// startEchoServer runs a minimal SSH server accepting any password and
// replying to every exec request with a fixed line on stdout, enough to
// exercise RunCommand end to end without a real guest.
func startEchoServer(t *testing.T, reply string) Target {
	t.Helper()
	signer, err := ssh.NewSignerFromKey(testHostKey(t))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, cfg, reply)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port, User: "xray"}
}

func handleConn(conn net.Conn, cfg *ssh.ServerConfig, reply string) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range requests {
				if req.Type == "exec" {
					ch.Write([]byte(reply))
					req.Reply(true, nil)
					ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					ch.Close()
				}
			}
		}()
	}
}

func TestRunCommandReturnsStdout(t *testing.T) {
	target := startEchoServer(t, "domain=example.test\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := RunCommand(ctx, target, "/usr/local/bin/xray-enrich 1.2.3.4 443")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if out != "domain=example.test\n" {
		t.Fatalf("RunCommand output = %q", out)
	}
}

func TestWaitForSSHSucceedsOnceReachable(t *testing.T) {
	target := startEchoServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitForSSH(ctx, target, 50*time.Millisecond); err != nil {
		t.Fatalf("WaitForSSH: %v", err)
	}
}

func TestRunCommandFailsOnUnreachableHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := RunCommand(ctx, Target{Host: "127.0.0.1", Port: 1, User: "xray"}, "true")
	if err == nil {
		t.Fatal("expected error dialing unreachable port")
	}
}
