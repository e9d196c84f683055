// Package jwt contiene el emisor de tokens firmados (access / id_token).
package jwt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Issuer firma tokens usando la clave activa del keystore.
type Issuer struct {
	Iss        string        // "iss"
	Keys       *Keystore     // keystore de firma
	AccessTTL  time.Duration // TTL por defecto de Access (ej: 15m)
	IDTokenTTL time.Duration // TTL por defecto de ID Token
}

func NewIssuer(iss string, ks *Keystore) *Issuer {
	return &Issuer{
		Iss:        iss,
		Keys:       ks,
		AccessTTL:  15 * time.Minute,
		IDTokenTTL: 15 * time.Minute,
	}
}

// ActiveKID devuelve el KID activo actual.
func (i *Issuer) ActiveKID() (string, error) {
	kid, _, _, err := i.Keys.Active()
	return kid, err
}

// Keyfunc devuelve un jwt.Keyfunc que elige la pubkey por 'kid' del token.
func (i *Issuer) Keyfunc() jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			return i.Keys.PublicKeyByKID(kid)
		}
		// Fallback: usar la activa
		_, _, pub, err := i.Keys.Active()
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(pub), nil
	}
}

// IssueAccess emite un Access Token con claims estándar + std (flat).
// ttl <= 0 usa el default del issuer (override por cliente).
func (i *Issuer) IssueAccess(sub, aud string, std map[string]any, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = i.AccessTTL
	}
	return i.sign(sub, aud, ttl, std, nil)
}

// IssueIDToken emite un ID Token OIDC con claims estándar y extras.
func (i *Issuer) IssueIDToken(sub, aud string, std map[string]any, extra map[string]any, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = i.IDTokenTTL
	}
	return i.sign(sub, aud, ttl, std, extra)
}

func (i *Issuer) sign(sub, aud string, ttl time.Duration, std, extra map[string]any) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)

	kid, priv, _, err := i.Keys.Active()
	if err != nil {
		return "", time.Time{}, err
	}

	claims := jwtv5.MapClaims{
		"iss": i.Iss,
		"sub": sub,
		"aud": aud,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	for k, v := range std {
		claims[k] = v
	}
	for k, v := range extra {
		claims[k] = v
	}

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = kid
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// AtHash computa at_hash = base64url(128 bits más a la izquierda de SHA-256(access_token)).
func AtHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
