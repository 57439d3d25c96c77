package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func newTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test host key: %v", err)
	}
	return priv
}
