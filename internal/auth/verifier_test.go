package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyDev(t *testing.T) {
	v := NewVerifier("", "")
	p, err := v.Verify("t1:Admin")
	if err != nil || p.Tenant != "t1" || p.Role != "admin" {
		t.Fatalf("got %+v, %v", p, err)
	}
	if _, err := v.Verify("nocolon"); err == nil {
		t.Fatal("expected error for malformed dev token")
	}
}

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier("hmac", string(secret))
	v.Now = func() time.Time { return now }

	tok, err := Sign(secret, map[string]any{"tenant": "t9", "exp": now.Add(time.Hour).Unix()})
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Verify(tok)
	if err != nil || p.Tenant != "t9" || p.Role != "user" {
		t.Fatalf("got %+v, %v", p, err)
	}

	forged, _ := Sign([]byte("other"), map[string]any{"tenant": "t9"})
	if _, err := v.Verify(forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("forged err = %v", err)
	}
	expired, _ := Sign(secret, map[string]any{"tenant": "t9", "exp": now.Add(-time.Minute).Unix()})
	if _, err := v.Verify(expired); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired err = %v", err)
	}
	noTenant, _ := Sign(secret, map[string]any{"role": "admin"})
	if _, err := v.Verify(noTenant); err == nil {
		t.Fatal("expected missing tenant error")
	}
	if _, err := v.Verify("a.b"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("malformed err = %v", err)
	}
}
