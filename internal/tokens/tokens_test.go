package tokens

import (
	"strings"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	i := NewIssuer("upload-token-signing-secret")

	token := i.Issue(5 * time.Minute)
	if token == "" {
		t.Fatal("Issue returned empty string")
	}
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		t.Fatalf("expected 3 colon-separated parts, got %d", len(parts))
	}

	if err := i.Validate(token); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	i := NewIssuer("upload-token-signing-secret")

	token := i.Issue(-1 * time.Minute)
	if err := i.Validate(token); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateTampered(t *testing.T) {
	i := NewIssuer("upload-token-signing-secret")

	token := i.Issue(5 * time.Minute)
	tampered := token[:len(token)-1] + "X"
	if err := i.Validate(tampered); err != ErrBadSig {
		t.Fatalf("expected ErrBadSig, got %v", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	i := NewIssuer("upload-token-signing-secret")

	if err := i.Validate("not-a-token"); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	a := NewIssuer("secret-a")
	b := NewIssuer("secret-b")

	token := a.Issue(5 * time.Minute)
	if err := b.Validate(token); err != ErrBadSig {
		t.Fatalf("expected ErrBadSig across issuers, got %v", err)
	}
}
