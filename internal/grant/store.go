package grant

import (
	"context"
	"errors"
	"time"
)

// Errores del registro. La ausencia en deletes/purges no es error
// (los sweeps y purgas defensivas deben ser idempotentes).
var (
	ErrNotFound         = errors.New("grant not found")
	ErrAlreadyConsumed  = errors.New("authorization code already consumed")
	ErrAlreadyDelivered = errors.New("tokens already delivered")
	ErrTokenMismatch    = errors.New("refresh token not present in grant")
)

// Store es el registro de grants activos y registros de polling.
//
// Las operaciones lookup-then-mutate (RedeemCode, RotateRefreshToken,
// MarkTokensDelivered, ConsumeByDeviceCode) son atómicas respecto de la
// misma key: dos requests concurrentes sobre el mismo código obtienen
// exactamente un ganador.
type Store interface {
	// Put guarda (o reemplaza) un grant y sus índices secundarios
	// (code hash, refresh hashes, auth_req_id, device code).
	Put(ctx context.Context, g *Grant) error

	// Delete elimina un grant y sus índices. Idempotente.
	Delete(ctx context.Context, id string) error

	// RedeemCode resuelve el grant por hash de authorization code y marca
	// el código como consumido (CAS). El segundo consumidor recibe
	// ErrAlreadyConsumed; un código desconocido, ErrNotFound.
	RedeemCode(ctx context.Context, codeHash string) (*Grant, error)

	// PurgeCode elimina defensivamente cualquier estado residual asociado
	// a un código (índice y grant). Idempotente.
	PurgeCode(ctx context.Context, codeHash string) error

	// GetByRefreshToken resuelve el grant que contiene el refresh token
	// (por hash) emitido al cliente dado.
	GetByRefreshToken(ctx context.Context, clientID, tokenHash string) (*Grant, error)

	// RotateRefreshToken agrega newRT y revoca oldHash en una sola
	// operación atómica sobre el grant. ErrTokenMismatch si oldHash
	// ya no está presente (rotación concurrente perdida).
	RotateRefreshToken(ctx context.Context, grantID, oldHash string, newRT RefreshToken) error

	// GetByAuthReqID resuelve un CIBAGrant ya aprobado.
	GetByAuthReqID(ctx context.Context, authReqID string) (*Grant, error)

	// MarkTokensDelivered marca TokensDelivered en el CIBAGrant (CAS).
	// Segunda llamada: ErrAlreadyDelivered.
	MarkTokensDelivered(ctx context.Context, authReqID string) (*Grant, error)

	// ConsumeByDeviceCode resuelve y elimina el DeviceCodeGrant (entrega
	// única: después de esto el device code es irresoluble).
	ConsumeByDeviceCode(ctx context.Context, deviceCodeHash string) (*Grant, error)

	// Registros de polling pre-grant.
	PutCibaRequest(ctx context.Context, r *CibaRequest) error
	GetCibaRequest(ctx context.Context, authReqID string) (*CibaRequest, error)
	UpdateCibaRequest(ctx context.Context, r *CibaRequest) error
	DeleteCibaRequest(ctx context.Context, authReqID string) error

	PutDeviceAuthorization(ctx context.Context, d *DeviceAuthorization) error
	GetDeviceAuthorization(ctx context.Context, deviceCodeHash string) (*DeviceAuthorization, error)
	UpdateDeviceAuthorization(ctx context.Context, d *DeviceAuthorization) error
	DeleteDeviceAuthorization(ctx context.Context, deviceCodeHash string) error

	// Sweep elimina grants y registros vencidos. Retorna cuántos borró.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// expired reporta si un grant ya no tiene nada vivo que justifique
// mantenerlo en el registro.
func expired(g *Grant, now time.Time) bool {
	for _, rt := range g.Refresh {
		if rt.RevokedAt == nil && now.Before(rt.ExpiresAt) {
			return false
		}
	}
	switch g.Kind {
	case TypeAuthorizationCode:
		return g.AuthCode == nil || g.AuthCode.Consumed || now.After(g.AuthCode.ExpiresAt)
	case TypeCIBA:
		return g.CIBA == nil || g.CIBA.TokensDelivered
	case TypeDeviceCode:
		// Aprobado pero todavía no entregado: Device sigue seteado y el
		// grant espera el próximo poll.
		return g.Device == nil
	default:
		// refresh/ropc/client_credentials viven por sus refresh tokens.
		return true
	}
}
