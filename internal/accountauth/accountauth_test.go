package accountauth

import (
	"testing"
	"time"
)

var key = []byte("0123456789abcdef0123456789abcdef")

func TestSignAndVerify(t *testing.T) {
	s, err := NewSigner("mesh.local", key)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	v, err := NewVerifier(VerifierConfig{Issuer: "mesh.local"}, key)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	tok, err := s.Sign(1, []string{"g1", "g2"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.AccountType != 1 {
		t.Fatalf("account type = %d, want 1", claims.AccountType)
	}
	if len(claims.GroupIDs) != 2 || claims.GroupIDs[0] != "g1" {
		t.Fatalf("group ids = %v", claims.GroupIDs)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	s, _ := NewSigner("mesh.local", key)
	v, _ := NewVerifier(VerifierConfig{Issuer: "mesh.local"}, []byte("another-key-another-key-another!"))

	tok, err := s.Sign(1, nil, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("Verify accepted an assertion signed with the wrong key")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	s, _ := NewSigner("rogue.local", key)
	v, _ := NewVerifier(VerifierConfig{Issuer: "mesh.local"}, key)

	tok, err := s.Sign(1, nil, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("Verify accepted a foreign issuer")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s, _ := NewSigner("mesh.local", key)
	v, _ := NewVerifier(VerifierConfig{Issuer: "mesh.local", Leeway: time.Millisecond}, key)

	tok, err := s.Sign(1, nil, -time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("Verify accepted an expired assertion")
	}
}

func TestVerifyRejectsEmpty(t *testing.T) {
	v, _ := NewVerifier(VerifierConfig{Issuer: "mesh.local"}, key)
	if _, err := v.Verify(""); err == nil {
		t.Fatal("Verify accepted an empty assertion")
	}
}
