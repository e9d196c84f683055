// Package dpop valida proofs DPoP (RFC 9449) y headers de token binding
// en el token endpoint, produciendo el thumbprint/hash que se inyecta
// como claim cnf en los tokens emitidos.
package dpop

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Proof es el resultado de validar un header DPoP.
type Proof struct {
	// Thumbprint es el RFC 7638 thumbprint (base64url) de la clave embebida.
	// Va al claim cnf.jkt de los tokens emitidos.
	Thumbprint string
	// JTI del proof, para detección de replay aguas arriba si se quiere.
	JTI string
}

var (
	ErrInvalidProof = errors.New("invalid_dpop_proof")
)

// Validator parsea y valida proofs DPoP.
type Validator struct {
	// MaxAge limita la antigüedad del iat del proof. Default 5m.
	MaxAge time.Duration
}

// Validate parsea el header DPoP como JWT, extrae la clave pública del
// header jwk, verifica la firma con esa clave y chequea htm/htu/iat/jti.
// Cualquier falla retorna ErrInvalidProof (envuelto con la causa).
func (v Validator) Validate(proofHeader, httpMethod, httpURL string) (*Proof, error) {
	if proofHeader == "" {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidProof)
	}

	var jwk map[string]any
	tok, err := jwtv5.Parse(proofHeader, func(t *jwtv5.Token) (any, error) {
		raw, ok := t.Header["jwk"].(map[string]any)
		if !ok {
			return nil, errors.New("jwk header missing")
		}
		jwk = raw
		return publicKeyFromJWK(raw)
	}, jwtv5.WithValidMethods([]string{"ES256", "ES384", "RS256", "PS256", "EdDSA"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	if typ, _ := tok.Header["typ"].(string); typ != "dpop+jwt" {
		return nil, fmt.Errorf("%w: typ %q", ErrInvalidProof, tok.Header["typ"])
	}

	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidProof)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: jti missing", ErrInvalidProof)
	}
	if htm, _ := claims["htm"].(string); httpMethod != "" && htm != httpMethod {
		return nil, fmt.Errorf("%w: htm mismatch", ErrInvalidProof)
	}
	if htu, _ := claims["htu"].(string); httpURL != "" && htu != httpURL {
		return nil, fmt.Errorf("%w: htu mismatch", ErrInvalidProof)
	}

	maxAge := v.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: iat missing", ErrInvalidProof)
	}
	if time.Since(iat.Time) > maxAge || time.Until(iat.Time) > maxAge {
		return nil, fmt.Errorf("%w: iat outside window", ErrInvalidProof)
	}

	tp, err := thumbprint(jwk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return &Proof{Thumbprint: tp, JTI: jti}, nil
}

// publicKeyFromJWK arma la clave pública a partir del header jwk.
// Soporta EC (P-256/P-384), RSA y OKP/Ed25519.
func publicKeyFromJWK(jwk map[string]any) (any, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "EC":
		crv, _ := jwk["crv"].(string)
		var curve elliptic.Curve
		switch crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported curve %q", crv)
		}
		x, err := b64Big(jwk, "x")
		if err != nil {
			return nil, err
		}
		y, err := b64Big(jwk, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	case "RSA":
		n, err := b64Big(jwk, "n")
		if err != nil {
			return nil, err
		}
		e, err := b64Big(jwk, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil

	case "OKP":
		if crv, _ := jwk["crv"].(string); crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported OKP curve")
		}
		raw, err := b64Bytes(jwk, "x")
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad ed25519 key size")
		}
		return ed25519.PublicKey(raw), nil

	default:
		return nil, fmt.Errorf("unsupported kty %q", kty)
	}
}

// thumbprint computa el RFC 7638 JWK thumbprint (sha256, base64url).
// Los miembros requeridos van en orden lexicográfico, sin espacios.
func thumbprint(jwk map[string]any) (string, error) {
	kty, _ := jwk["kty"].(string)
	var canonical string
	switch kty {
	case "EC":
		crv, _ := jwk["crv"].(string)
		x, _ := jwk["x"].(string)
		y, _ := jwk["y"].(string)
		if crv == "" || x == "" || y == "" {
			return "", errors.New("incomplete EC jwk")
		}
		canonical = `{"crv":"` + crv + `","kty":"EC","x":"` + x + `","y":"` + y + `"}`
	case "RSA":
		e, _ := jwk["e"].(string)
		n, _ := jwk["n"].(string)
		if e == "" || n == "" {
			return "", errors.New("incomplete RSA jwk")
		}
		canonical = `{"e":"` + e + `","kty":"RSA","n":"` + n + `"}`
	case "OKP":
		crv, _ := jwk["crv"].(string)
		x, _ := jwk["x"].(string)
		if crv == "" || x == "" {
			return "", errors.New("incomplete OKP jwk")
		}
		canonical = `{"crv":"` + crv + `","kty":"OKP","x":"` + x + `"}`
	default:
		return "", fmt.Errorf("unsupported kty %q", kty)
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func b64Bytes(jwk map[string]any, key string) ([]byte, error) {
	s, _ := jwk[key].(string)
	if s == "" {
		return nil, fmt.Errorf("jwk member %q missing", key)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func b64Big(jwk map[string]any, key string) (*big.Int, error) {
	raw, err := b64Bytes(jwk, key)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// TokenBindingHash deriva el hash de binding a partir del header
// Sec-Token-Binding cuando el cliente registró idTokenTokenBindingCnf.
// El hash va al claim cnf de los id_tokens cuyo grant capturó binding.
func TokenBindingHash(secTokenBinding, clientCnf string) (string, bool) {
	if secTokenBinding == "" || clientCnf == "" {
		return "", false
	}
	msg, err := base64.RawURLEncoding.DecodeString(secTokenBinding)
	if err != nil {
		// Algunos stacks mandan base64 estándar.
		msg, err = base64.StdEncoding.DecodeString(secTokenBinding)
		if err != nil {
			return "", false
		}
	}
	sum := sha256.Sum256(msg)
	return base64.RawURLEncoding.EncodeToString(sum[:]), true
}
