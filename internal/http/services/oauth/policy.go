package oauth

import (
	"context"
	"time"

	"github.com/dropDatabas3/tokend/internal/grant"
)

// RotationMode controla qué pasa con el refresh token en cada refresh.
type RotationMode string

const (
	// RotationRotate emite uno nuevo con TTL fresco y revoca el viejo.
	RotationRotate RotationMode = "rotate"
	// RotationPreserveTTL emite uno nuevo que hereda el vencimiento del
	// token rotado (lifetime fijo de la cadena).
	RotationPreserveTTL RotationMode = "rotate-preserve-ttl"
	// RotationSkip no emite refresh token nuevo; el viejo sigue válido
	// hasta su propio vencimiento.
	RotationSkip RotationMode = "skip"
)

// RefreshPolicy es la política de emisión y rotación de refresh tokens.
type RefreshPolicy struct {
	Rotation RotationMode

	// RequireOfflineAccess condiciona la emisión de refresh tokens a que
	// offline_access esté en los scopes del grant o del request.
	RequireOfflineAccess bool

	// IDTokenOnRefresh re-emite id_token en refresh (flag de compat).
	IDTokenOnRefresh bool

	// TTL por defecto de los refresh tokens nuevos.
	TTL time.Duration
}

// Eligible decide si corresponde emitir refresh token para este cliente
// y este par de scope sets (los del grant y los pedidos en el request).
func (p RefreshPolicy) Eligible(client *Client, grantScopes, requestedScopes []string) bool {
	if !client.AllowsGrantType(string(grant.TypeRefreshToken)) {
		return false
	}
	if !p.RequireOfflineAccess {
		return true
	}
	return containsScope(grantScopes, "offline_access") || containsScope(requestedScopes, "offline_access")
}

// NextExpiry calcula el vencimiento del refresh token nuevo. old es el
// token que se rota (nil en la primera emisión).
func (p RefreshPolicy) NextExpiry(now time.Time, client *Client, old *grant.RefreshToken) time.Time {
	if p.Rotation == RotationPreserveTTL && old != nil {
		return old.ExpiresAt
	}
	ttl := p.TTL
	if client != nil && client.RefreshTokenTTL > 0 {
		ttl = client.RefreshTokenTTL
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return now.Add(ttl)
}

func containsScope(scopes []string, s string) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultScopePolicy estrecha el scope pedido a la intersección con lo
// otorgado. Pedido vacío hereda el set otorgado completo; un pedido que
// no intersecta nada es invalid_scope.
type DefaultScopePolicy struct{}

func (DefaultScopePolicy) Narrow(_ context.Context, _ *Client, granted, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return granted, nil
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if containsScope(granted, r) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrInvalidScope
	}
	return out, nil
}
