// Package grant contiene el modelo de grants activos del Authorization
// Server y el registro concurrente que los respalda. Un grant nace en la
// autorización (o en la iniciación backchannel/device), muta al emitir
// tokens y muere al consumirse o expirar.
package grant

import (
	"time"
)

// Type identifica el grant_type OAuth2 de un grant.
type Type string

const (
	TypeAuthorizationCode Type = "authorization_code"
	TypeRefreshToken      Type = "refresh_token"
	TypeClientCredentials Type = "client_credentials"
	TypePassword          Type = "password"
	TypeCIBA              Type = "urn:openid:params:grant-type:ciba"
	TypeDeviceCode        Type = "urn:ietf:params:oauth:grant-type:device_code"
)

// DeliveryMode es el modo de entrega de tokens registrado para CIBA.
type DeliveryMode string

const (
	DeliveryPing DeliveryMode = "ping"
	DeliveryPoll DeliveryMode = "poll"
	DeliveryPush DeliveryMode = "push"
)

// Grant es la unión etiquetada de todas las variantes de grant.
// Kind discrimina; solo el sub-struct de la variante correspondiente
// está poblado. Los campos comunes viven arriba.
type Grant struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"` // vacío en client_credentials
	Scopes    []string  `json:"scopes,omitempty"`
	Kind      Type      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	// Binding de proof-of-possession capturado en la autorización.
	TokenBindingHash string `json:"token_binding_hash,omitempty"`
	DPoPJKT          string `json:"dpop_jkt,omitempty"`

	// NoPersist marca grants que viven solo en cache (client_credentials).
	NoPersist bool `json:"no_persist,omitempty"`

	AuthCode *AuthCodeData   `json:"auth_code,omitempty"`
	Refresh  []RefreshToken  `json:"refresh,omitempty"`
	CIBA     *CIBAData       `json:"ciba,omitempty"`
	Device   *DeviceCodeData `json:"device,omitempty"`
	ROPC     *ROPCData       `json:"ropc,omitempty"`
}

// AuthCodeData es la variante authorization_code.
type AuthCodeData struct {
	// Code se guarda hasheado (sha256 base64url) en los stores.
	Code                string    `json:"code"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	// Consumed es el flag CAS de redención: exactamente un request lo gana.
	Consumed bool `json:"consumed,omitempty"`
}

// RefreshToken es un refresh token vivo dentro de un grant.
// Code es el hash del token opaco entregado al cliente.
type RefreshToken struct {
	Code      string     `json:"code"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// IsValid reporta si el refresh token sigue usable.
func (r RefreshToken) IsValid() bool {
	return r.RevokedAt == nil && time.Now().Before(r.ExpiresAt)
}

// CIBAData es la variante backchannel.
type CIBAData struct {
	AuthReqID       string       `json:"auth_req_id"`
	TokensDelivered bool         `json:"tokens_delivered"`
	DeliveryMode    DeliveryMode `json:"delivery_mode"`
}

// DeviceCodeData es la variante device_code. DeviceCode se guarda hasheado.
type DeviceCodeData struct {
	DeviceCode string `json:"device_code"`
}

// ROPCData es la variante password.
type ROPCData struct {
	ACRValues string `json:"acr_values,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// FindRefreshToken busca un refresh token por hash dentro del grant.
func (g *Grant) FindRefreshToken(hash string) *RefreshToken {
	for i := range g.Refresh {
		if g.Refresh[i].Code == hash {
			return &g.Refresh[i]
		}
	}
	return nil
}

// HasScope reporta si el grant incluye el scope dado.
func (g *Grant) HasScope(s string) bool {
	for _, v := range g.Scopes {
		if v == s {
			return true
		}
	}
	return false
}
