package enrich

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

// scriptedReply is one exec response the fake guest SSH server hands back:
// stdout bytes followed by an SSH exit-status request.
type scriptedReply struct {
	stdout     string
	exitStatus uint32
}

// startScriptedSSHServer runs a minimal in-process SSH server that answers
// each exec request with the next entry in replies, in order. The last
// entry repeats for any exec beyond len(replies), so tests don't need to
// plan for exactly one call.
func startScriptedSSHServer(t *testing.T, replies []scriptedReply) (host string, port int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
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

	calls := 0
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			reply := replies[calls]
			if calls < len(replies)-1 {
				calls++
			}
			go serveScriptedConn(conn, cfg, reply)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func serveScriptedConn(conn net.Conn, cfg *ssh.ServerConfig, reply scriptedReply) {
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
					ch.Write([]byte(reply.stdout))
					req.Reply(true, nil)
					status := make([]byte, 4)
					status[3] = byte(reply.exitStatus)
					ch.SendRequest("exit-status", false, status)
					ch.Close()
				}
			}
		}()
	}
}
