// Package pg implementa el registro de grants sobre PostgreSQL.
// Usa pgxpool directamente; el grant se guarda como JSONB y las
// operaciones CAS se resuelven con UPDATE condicional a nivel de fila.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/tokend/internal/grant"
)

const schema = `
CREATE TABLE IF NOT EXISTS grants (
    id          TEXT PRIMARY KEY,
    client_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    code_hash   TEXT,
    auth_req_id TEXT,
    device_hash TEXT,
    consumed    BOOLEAN NOT NULL DEFAULT FALSE,
    delivered   BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at  TIMESTAMPTZ,
    data        JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS grants_code_idx   ON grants (code_hash)   WHERE code_hash IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS grants_areq_idx   ON grants (auth_req_id) WHERE auth_req_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS grants_device_idx ON grants (device_hash) WHERE device_hash IS NOT NULL;

CREATE TABLE IF NOT EXISTS refresh_tokens (
    token_hash TEXT PRIMARY KEY,
    grant_id   TEXT NOT NULL REFERENCES grants(id) ON DELETE CASCADE,
    client_id  TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS poll_records (
    key        TEXT PRIMARY KEY, -- 'creq:<auth_req_id>' | 'dreq:<device_hash>'
    expires_at TIMESTAMPTZ NOT NULL,
    data       JSONB NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
}

var _ grant.Store = (*Store)(nil)

type Config struct {
	DSN          string
	MaxOpenConns int
}

// New abre el pool y asegura el esquema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func grantColumns(g *grant.Grant) (codeHash, authReqID, deviceHash *string, consumed, delivered bool, expiresAt *time.Time) {
	if g.AuthCode != nil {
		codeHash = &g.AuthCode.Code
		consumed = g.AuthCode.Consumed
		expiresAt = &g.AuthCode.ExpiresAt
	}
	if g.CIBA != nil {
		authReqID = &g.CIBA.AuthReqID
		delivered = g.CIBA.TokensDelivered
	}
	if g.Device != nil {
		deviceHash = &g.Device.DeviceCode
	}
	return
}

func (s *Store) Put(ctx context.Context, g *grant.Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	codeHash, authReqID, deviceHash, consumed, delivered, expiresAt := grantColumns(g)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO grants (id, client_id, kind, code_hash, auth_req_id, device_hash, consumed, delivered, expires_at, data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
		    code_hash = EXCLUDED.code_hash, auth_req_id = EXCLUDED.auth_req_id,
		    device_hash = EXCLUDED.device_hash, consumed = EXCLUDED.consumed,
		    delivered = EXCLUDED.delivered, expires_at = EXCLUDED.expires_at,
		    data = EXCLUDED.data`,
		g.ID, g.ClientID, string(g.Kind), codeHash, authReqID, deviceHash, consumed, delivered, expiresAt, data)
	if err != nil {
		return err
	}
	for _, rt := range g.Refresh {
		_, err = tx.Exec(ctx, `
			INSERT INTO refresh_tokens (token_hash, grant_id, client_id, expires_at, revoked_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (token_hash) DO UPDATE SET revoked_at = EXCLUDED.revoked_at`,
			rt.Code, g.ID, g.ClientID, rt.ExpiresAt, rt.RevokedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM grants WHERE id = $1`, id)
	return err
}

func (s *Store) loadByID(ctx context.Context, id string) (*grant.Grant, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM grants WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	g := &grant.Grant{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) RedeemCode(ctx context.Context, codeHash string) (*grant.Grant, error) {
	// CAS a nivel de fila: solo un request ve consumed=false.
	var data []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE grants
		   SET consumed = TRUE,
		       data = jsonb_set(data, '{auth_code,consumed}', 'true')
		 WHERE code_hash = $1 AND consumed = FALSE AND expires_at > now()
		 RETURNING data`, codeHash).Scan(&data)
	if err == nil {
		g := &grant.Grant{}
		if err := json.Unmarshal(data, g); err != nil {
			return nil, err
		}
		if g.AuthCode != nil {
			g.AuthCode.Consumed = true
		}
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// Distinguir código ya consumido de código desconocido/vencido.
	var consumed bool
	err = s.pool.QueryRow(ctx, `SELECT consumed FROM grants WHERE code_hash = $1`, codeHash).Scan(&consumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	if consumed {
		return nil, grant.ErrAlreadyConsumed
	}
	return nil, grant.ErrNotFound
}

func (s *Store) PurgeCode(ctx context.Context, codeHash string) error {
	// El grant cae entero salvo que tenga refresh tokens vivos.
	_, err := s.pool.Exec(ctx, `
		DELETE FROM grants g
		 WHERE g.code_hash = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM refresh_tokens rt
		        WHERE rt.grant_id = g.id AND rt.revoked_at IS NULL AND rt.expires_at > now())`,
		codeHash)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE grants SET code_hash = NULL, data = data - 'auth_code'
		 WHERE code_hash = $1`, codeHash)
	return err
}

func (s *Store) GetByRefreshToken(ctx context.Context, clientID, tokenHash string) (*grant.Grant, error) {
	var grantID string
	err := s.pool.QueryRow(ctx, `
		SELECT grant_id FROM refresh_tokens
		 WHERE token_hash = $1 AND client_id = $2`, tokenHash, clientID).Scan(&grantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	return s.loadByID(ctx, grantID)
}

func (s *Store) RotateRefreshToken(ctx context.Context, grantID, oldHash string, newRT grant.RefreshToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Revocación condicional: pierde quien llega segundo.
	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		 WHERE token_hash = $1 AND grant_id = $2 AND revoked_at IS NULL`, oldHash, grantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return grant.ErrTokenMismatch
	}
	var clientID string
	if err := tx.QueryRow(ctx, `SELECT client_id FROM grants WHERE id = $1`, grantID).Scan(&clientID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token_hash, grant_id, client_id, expires_at)
		VALUES ($1,$2,$3,$4)`, newRT.Code, grantID, clientID, newRT.ExpiresAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return s.syncRefreshJSON(ctx, grantID, oldHash, newRT)
}

// syncRefreshJSON refleja la rotación dentro del JSONB del grant.
func (s *Store) syncRefreshJSON(ctx context.Context, grantID, oldHash string, newRT grant.RefreshToken) error {
	g, err := s.loadByID(ctx, grantID)
	if err != nil {
		return nil // fila ya barrida; las tablas mandan
	}
	if old := g.FindRefreshToken(oldHash); old != nil && old.RevokedAt == nil {
		now := time.Now()
		old.RevokedAt = &now
	}
	if g.FindRefreshToken(newRT.Code) == nil {
		g.Refresh = append(g.Refresh, newRT)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE grants SET data = $2 WHERE id = $1`, grantID, data)
	return err
}

func (s *Store) GetByAuthReqID(ctx context.Context, authReqID string) (*grant.Grant, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM grants WHERE auth_req_id = $1`, authReqID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	g := &grant.Grant{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) MarkTokensDelivered(ctx context.Context, authReqID string) (*grant.Grant, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE grants
		   SET delivered = TRUE,
		       data = jsonb_set(data, '{ciba,tokens_delivered}', 'true')
		 WHERE auth_req_id = $1 AND delivered = FALSE
		 RETURNING data`, authReqID).Scan(&data)
	if err == nil {
		g := &grant.Grant{}
		if err := json.Unmarshal(data, g); err != nil {
			return nil, err
		}
		if g.CIBA != nil {
			g.CIBA.TokensDelivered = true
		}
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var delivered bool
	err = s.pool.QueryRow(ctx, `SELECT delivered FROM grants WHERE auth_req_id = $1`, authReqID).Scan(&delivered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	if delivered {
		return nil, grant.ErrAlreadyDelivered
	}
	return nil, grant.ErrNotFound
}

func (s *Store) ConsumeByDeviceCode(ctx context.Context, deviceCodeHash string) (*grant.Grant, error) {
	// Entrega única: se desliga el device code en el mismo statement.
	var data []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE grants
		   SET device_hash = NULL, data = data - 'device'
		 WHERE device_hash = $1
		 RETURNING data`, deviceCodeHash).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	g := &grant.Grant{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, err
	}
	if len(g.Refresh) == 0 {
		_ = s.Delete(ctx, g.ID)
	}
	return g, nil
}

func (s *Store) putPollRecord(ctx context.Context, key string, expiresAt time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO poll_records (key, expires_at, data) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at, data = EXCLUDED.data`,
		key, expiresAt, data)
	return err
}

func (s *Store) getPollRecord(ctx context.Context, key string, v any) error {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM poll_records WHERE key = $1 AND expires_at > now()`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return grant.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) PutCibaRequest(ctx context.Context, r *grant.CibaRequest) error {
	return s.putPollRecord(ctx, "creq:"+r.AuthReqID, r.ExpiresAt, r)
}

func (s *Store) GetCibaRequest(ctx context.Context, authReqID string) (*grant.CibaRequest, error) {
	r := &grant.CibaRequest{}
	if err := s.getPollRecord(ctx, "creq:"+authReqID, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) UpdateCibaRequest(ctx context.Context, r *grant.CibaRequest) error {
	return s.PutCibaRequest(ctx, r)
}

func (s *Store) DeleteCibaRequest(ctx context.Context, authReqID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM poll_records WHERE key = $1`, "creq:"+authReqID)
	return err
}

func (s *Store) PutDeviceAuthorization(ctx context.Context, d *grant.DeviceAuthorization) error {
	return s.putPollRecord(ctx, "dreq:"+d.DeviceCode, d.ExpiresAt, d)
}

func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCodeHash string) (*grant.DeviceAuthorization, error) {
	d := &grant.DeviceAuthorization{}
	if err := s.getPollRecord(ctx, "dreq:"+deviceCodeHash, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) UpdateDeviceAuthorization(ctx context.Context, d *grant.DeviceAuthorization) error {
	return s.PutDeviceAuthorization(ctx, d)
}

func (s *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCodeHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM poll_records WHERE key = $1`, "dreq:"+deviceCodeHash)
	return err
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	tag, err := s.pool.Exec(ctx, `DELETE FROM poll_records WHERE expires_at <= $1`, now)
	if err != nil {
		return removed, err
	}
	removed += int(tag.RowsAffected())

	// Muerto por variante: código consumido/vencido, CIBA entregado,
	// device ya desligado; el resto vive solo por sus refresh tokens.
	tag, err = s.pool.Exec(ctx, `
		DELETE FROM grants g
		 WHERE NOT EXISTS (
		       SELECT 1 FROM refresh_tokens rt
		        WHERE rt.grant_id = g.id AND rt.revoked_at IS NULL AND rt.expires_at > $1)
		   AND CASE g.kind
		       WHEN 'authorization_code' THEN
		           g.consumed OR g.code_hash IS NULL OR (g.expires_at IS NOT NULL AND g.expires_at <= $1)
		       WHEN 'urn:openid:params:grant-type:ciba' THEN g.delivered
		       WHEN 'urn:ietf:params:oauth:grant-type:device_code' THEN g.device_hash IS NULL
		       ELSE TRUE
		       END`, now)
	if err != nil {
		return removed, err
	}
	removed += int(tag.RowsAffected())

	_, err = s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1 OR revoked_at IS NOT NULL`, now)
	return removed, err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
