// Package oauth contiene los services del dominio OAuth2/OIDC: el
// dispatcher del token endpoint y sus colaboradores.
package oauth

import (
	"context"
	"time"

	"github.com/dropDatabas3/tokend/internal/grant"
)

// TokenService handles OAuth2 token endpoint logic. Un único punto de
// entrada: el dispatcher valida la forma del request, resuelve el cliente,
// despacha por grant_type y arma la respuesta o el error tipado.
type TokenService interface {
	Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error)
}

// TokenRequest es el request ya parseado del POST /token. El controller
// llena los campos desde el form body y los headers; el service no toca
// la capa HTTP.
type TokenRequest struct {
	GrantType string

	// Credenciales de cliente (Basic auth o form, resueltas por el controller).
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string

	// password (ROPC)
	Username  string
	Password  string
	ACRValues string

	// ciba / device_code
	AuthReqID  string
	DeviceCode string

	// UMA: si viene ticket, el request se delega entero al colaborador RPT.
	Ticket     string
	ClaimToken string

	Scope string

	// Headers de proof-of-possession.
	DPoPProof       string // header DPoP crudo
	SecTokenBinding string // header Sec-Token-Binding crudo
	ClientCertHash  string // header X-ClientCert (binding mTLS)

	// htm/htu para validar el proof DPoP.
	HTTPMethod string
	HTTPURL    string
}

// TokenResponse is the standard OAuth2 token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Client es la vista read-only del cliente registrado que consume el
// dispatcher. El registro/almacenamiento del cliente es un colaborador
// externo (ClientStore).
type Client struct {
	ClientID string

	// SecretHash es el hash argon2id del client_secret. Vacío = cliente
	// público (sin secret).
	SecretHash string

	// GrantTypes registrados. Un grant solo se ejercita si su grant_type
	// está acá y en el set soportado por el server.
	GrantTypes []string

	Disabled bool

	// Scopes registrados del cliente (techo para client_credentials).
	Scopes []string

	// IDTokenTokenBindingCnf es el nombre del miembro cnf bajo el que se
	// inyecta el hash de token binding en los id_tokens (vacío = off).
	IDTokenTokenBindingCnf string

	// BackchannelTokenDeliveryMode registrado para CIBA.
	BackchannelTokenDeliveryMode grant.DeliveryMode

	// Overrides de TTL por cliente. <= 0 usa el default del server.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
}

// Confidential reporta si el cliente tiene secret registrado.
func (c *Client) Confidential() bool { return c.SecretHash != "" }

// AllowsGrantType chequea si el grant_type está registrado para el cliente.
func (c *Client) AllowsGrantType(gt string) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// ClientStore resuelve clientes registrados. Colaborador externo.
type ClientStore interface {
	Resolve(ctx context.Context, clientID string) (*Client, error)
}

// ScopePolicy estrecha/valida el scope pedido contra lo que el grant y el
// cliente permiten, devolviendo el scope efectivo.
type ScopePolicy interface {
	Narrow(ctx context.Context, client *Client, granted, requested []string) ([]string, error)
}

// UserAuthenticator autentica credenciales ROPC. Devuelve el userID.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// IDTokenHook permite post-procesar los claims del id_token antes de
// firmar (enriquecimiento de claims, plugins).
type IDTokenHook interface {
	ModifyIDToken(ctx context.Context, claims map[string]any)
}

// UmaDelegate maneja completos los requests con ticket (emisión de RPT).
type UmaDelegate interface {
	RequestRPT(ctx context.Context, ticket, claimToken string) (*TokenResponse, error)
}
