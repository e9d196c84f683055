package pkce

import "testing"

func TestMatches_S256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := Challenge(verifier)

	v := Validator{}
	if !v.Matches(challenge, MethodS256, verifier) {
		t.Fatalf("expected S256 match")
	}
	if v.Matches(challenge, MethodS256, verifier+"x") {
		t.Fatalf("expected mismatch for wrong verifier")
	}
}

func TestMatches_DefaultMethodIsS256(t *testing.T) {
	verifier := "some-long-enough-code-verifier-value-123456"
	v := Validator{}
	if !v.Matches(Challenge(verifier), "", verifier) {
		t.Fatalf("empty method should behave as S256")
	}
}

func TestMatches_Plain(t *testing.T) {
	v := Validator{}
	if !v.Matches("abc123", MethodPlain, "abc123") {
		t.Fatalf("expected plain match")
	}
	if v.Matches("abc123", MethodPlain, "abc124") {
		t.Fatalf("expected plain mismatch")
	}
}

func TestMatches_UnknownMethod(t *testing.T) {
	v := Validator{}
	if v.Matches("abc123", "S512", "abc123") {
		t.Fatalf("unknown method must be invalid")
	}
}

func TestMatches_RequiredFailsClosed(t *testing.T) {
	v := Validator{Required: true}
	if v.Matches("", MethodS256, "") {
		t.Fatalf("required PKCE with no challenge/verifier must fail")
	}
	if v.Matches(Challenge("verifier"), MethodS256, "") {
		t.Fatalf("missing verifier must fail")
	}
	if v.Matches("", MethodS256, "verifier") {
		t.Fatalf("missing challenge must fail")
	}
}

func TestMatches_NotUsedAndNotRequired(t *testing.T) {
	v := Validator{}
	if !v.Matches("", "", "") {
		t.Fatalf("PKCE not used and not required should be valid")
	}
}
