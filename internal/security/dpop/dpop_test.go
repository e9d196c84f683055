package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func newProof(t *testing.T, mutate func(tok *jwtv5.Token)) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	size := 32
	x := key.PublicKey.X.FillBytes(make([]byte, size))
	y := key.PublicKey.Y.FillBytes(make([]byte, size))

	claims := jwtv5.MapClaims{
		"jti": uuid.NewString(),
		"htm": "POST",
		"htu": "https://as.example/token",
		"iat": time.Now().Unix(),
	}
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodES256, claims)
	tok.Header["typ"] = "dpop+jwt"
	tok.Header["jwk"] = map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
	if mutate != nil {
		mutate(tok)
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestValidate_OK(t *testing.T) {
	v := Validator{}
	proof, err := v.Validate(newProof(t, nil), "POST", "https://as.example/token")
	if err != nil {
		t.Fatalf("expected valid proof: %v", err)
	}
	if proof.Thumbprint == "" {
		t.Fatalf("expected thumbprint")
	}
	if proof.JTI == "" {
		t.Fatalf("expected jti")
	}
}

func TestValidate_MissingJWK(t *testing.T) {
	v := Validator{}
	p := newProof(t, func(tok *jwtv5.Token) { delete(tok.Header, "jwk") })
	if _, err := v.Validate(p, "POST", "https://as.example/token"); err == nil {
		t.Fatalf("expected failure without jwk header")
	}
}

func TestValidate_WrongTyp(t *testing.T) {
	v := Validator{}
	p := newProof(t, func(tok *jwtv5.Token) { tok.Header["typ"] = "JWT" })
	if _, err := v.Validate(p, "POST", "https://as.example/token"); err == nil {
		t.Fatalf("expected failure for typ != dpop+jwt")
	}
}

func TestValidate_HTMMismatch(t *testing.T) {
	v := Validator{}
	if _, err := v.Validate(newProof(t, nil), "GET", "https://as.example/token"); err == nil {
		t.Fatalf("expected htm mismatch failure")
	}
}

func TestValidate_Garbage(t *testing.T) {
	v := Validator{}
	if _, err := v.Validate("not-a-jwt", "POST", ""); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestValidate_ThumbprintStable(t *testing.T) {
	// Mismo proof validado dos veces produce el mismo thumbprint.
	v := Validator{}
	p := newProof(t, nil)
	a, err := v.Validate(p, "POST", "https://as.example/token")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	b, err := v.Validate(p, "POST", "https://as.example/token")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if a.Thumbprint != b.Thumbprint {
		t.Fatalf("thumbprint not stable: %q vs %q", a.Thumbprint, b.Thumbprint)
	}
}

func TestTokenBindingHash(t *testing.T) {
	msg := base64.RawURLEncoding.EncodeToString([]byte("tb-message"))
	if _, ok := TokenBindingHash(msg, ""); ok {
		t.Fatalf("no client cnf -> no hash")
	}
	h, ok := TokenBindingHash(msg, "cnf-registered")
	if !ok || h == "" {
		t.Fatalf("expected binding hash")
	}
}
