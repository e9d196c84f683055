// Package pkce implements RFC 7636 code challenge verification for the
// token endpoint side of the authorization code flow.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Methods soportados por el server.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Validator verifica code_verifier contra el code_challenge guardado en el grant.
type Validator struct {
	// Required fuerza PKCE: si está activo, un challenge o verifier vacío falla cerrado.
	Required bool
}

// Matches reporta si el code_verifier corresponde al challenge guardado.
//
// Reglas:
//   - Ambos vacíos y PKCE no requerido: el flujo no usó PKCE, válido.
//   - Uno de los dos vacío (o required y alguno vacío): inválido.
//   - S256: base64url(sha256(verifier)) == challenge.
//   - plain: igualdad directa.
//   - Método desconocido: inválido.
func (v Validator) Matches(codeChallenge, codeChallengeMethod, codeVerifier string) bool {
	if codeChallenge == "" && codeVerifier == "" {
		return !v.Required
	}
	if codeChallenge == "" || codeVerifier == "" {
		return false
	}

	switch codeChallengeMethod {
	case MethodS256, "": // S256 es el default cuando el cliente no manda método
		sum := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(codeChallenge)) == 1
	default:
		return false
	}
}

// Challenge computa el code_challenge S256 de un verifier.
// Lo usan los tests y los flujos de inicio que siembran grants.
func Challenge(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
