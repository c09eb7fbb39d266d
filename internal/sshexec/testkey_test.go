package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

// testHostKey generates a throwaway host key for the in-process test server.
func testHostKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	return priv
}
