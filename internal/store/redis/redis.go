// Package redis implementa el registro de grants sobre Redis, para
// despliegues con más de una réplica del servicio. Las operaciones CAS
// (redeem, rotate, mark-delivered) usan WATCH + transacción optimista
// sobre la key del grant.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/tokend/internal/grant"
)

const txRetries = 8

type Store struct {
	c      *rdb.Client
	prefix string
}

var _ grant.Store = (*Store)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func New(cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tokend:"
	}
	return &Store{
		c:      rdb.NewClient(&rdb.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		prefix: prefix,
	}
}

// Ping verifica la conexión al iniciar el wiring.
func (s *Store) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

func (s *Store) keyGrant(id string) string  { return s.prefix + "g:" + id }
func (s *Store) keyCode(h string) string    { return s.prefix + "code:" + h }
func (s *Store) keyRT(h string) string      { return s.prefix + "rt:" + h }
func (s *Store) keyAreq(id string) string   { return s.prefix + "areq:" + id }
func (s *Store) keyDev(h string) string     { return s.prefix + "dev:" + h }
func (s *Store) keyCibaRq(id string) string { return s.prefix + "creq:" + id }
func (s *Store) keyDevRq(h string) string   { return s.prefix + "dreq:" + h }

func (s *Store) getGrant(ctx context.Context, id string) (*grant.Grant, error) {
	raw, err := s.c.Get(ctx, s.keyGrant(id)).Bytes()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	g := &grant.Grant{}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) resolve(ctx context.Context, indexKey string) (string, error) {
	id, err := s.c.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return "", grant.ErrNotFound
		}
		return "", err
	}
	return id, nil
}

func (s *Store) Put(ctx context.Context, g *grant.Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	pipe := s.c.Pipeline()
	pipe.Set(ctx, s.keyGrant(g.ID), data, 0)
	if g.AuthCode != nil && g.AuthCode.Code != "" {
		pipe.Set(ctx, s.keyCode(g.AuthCode.Code), g.ID, time.Until(g.AuthCode.ExpiresAt))
	}
	for _, rt := range g.Refresh {
		if rt.RevokedAt == nil {
			pipe.Set(ctx, s.keyRT(rt.Code), g.ID, time.Until(rt.ExpiresAt))
		}
	}
	if g.CIBA != nil && g.CIBA.AuthReqID != "" {
		pipe.Set(ctx, s.keyAreq(g.CIBA.AuthReqID), g.ID, 0)
	}
	if g.Device != nil && g.Device.DeviceCode != "" {
		pipe.Set(ctx, s.keyDev(g.Device.DeviceCode), g.ID, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	g, err := s.getGrant(ctx, id)
	if err != nil {
		if errors.Is(err, grant.ErrNotFound) {
			return nil
		}
		return err
	}
	pipe := s.c.Pipeline()
	if g.AuthCode != nil {
		pipe.Del(ctx, s.keyCode(g.AuthCode.Code))
	}
	for _, rt := range g.Refresh {
		pipe.Del(ctx, s.keyRT(rt.Code))
	}
	if g.CIBA != nil {
		pipe.Del(ctx, s.keyAreq(g.CIBA.AuthReqID))
	}
	if g.Device != nil {
		pipe.Del(ctx, s.keyDev(g.Device.DeviceCode))
	}
	pipe.Del(ctx, s.keyGrant(id))
	_, err = pipe.Exec(ctx)
	return err
}

// mutateGrant ejecuta fn bajo WATCH de la key del grant, reintentando
// ante colisiones de transacción. fn decide el nuevo estado o corta con error.
func (s *Store) mutateGrant(ctx context.Context, id string, fn func(g *grant.Grant) error) (*grant.Grant, error) {
	var out *grant.Grant
	key := s.keyGrant(id)

	txf := func(tx *rdb.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, rdb.Nil) {
				return grant.ErrNotFound
			}
			return err
		}
		g := &grant.Grant{}
		if err := json.Unmarshal(raw, g); err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = g
		}
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.c.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, rdb.TxFailedErr) {
			continue // otro request ganó la carrera; releer y decidir de nuevo
		}
		return nil, err
	}
	return nil, rdb.TxFailedErr
}

func (s *Store) RedeemCode(ctx context.Context, codeHash string) (*grant.Grant, error) {
	id, err := s.resolve(ctx, s.keyCode(codeHash))
	if err != nil {
		return nil, err
	}
	return s.mutateGrant(ctx, id, func(g *grant.Grant) error {
		if g.AuthCode == nil || g.AuthCode.Code != codeHash {
			return grant.ErrNotFound
		}
		if g.AuthCode.Consumed {
			return grant.ErrAlreadyConsumed
		}
		if time.Now().After(g.AuthCode.ExpiresAt) {
			return grant.ErrNotFound
		}
		g.AuthCode.Consumed = true
		return nil
	})
}

func (s *Store) PurgeCode(ctx context.Context, codeHash string) error {
	id, err := s.resolve(ctx, s.keyCode(codeHash))
	if errors.Is(err, grant.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.c.Del(ctx, s.keyCode(codeHash)).Err(); err != nil {
		return err
	}
	g, err := s.getGrant(ctx, id)
	if err != nil {
		if errors.Is(err, grant.ErrNotFound) {
			return nil
		}
		return err
	}
	alive := false
	for _, rt := range g.Refresh {
		if rt.IsValid() {
			alive = true
			break
		}
	}
	if !alive {
		return s.Delete(ctx, id)
	}
	_, err = s.mutateGrant(ctx, id, func(g *grant.Grant) error {
		g.AuthCode = nil
		return nil
	})
	return err
}

func (s *Store) GetByRefreshToken(ctx context.Context, clientID, tokenHash string) (*grant.Grant, error) {
	id, err := s.resolve(ctx, s.keyRT(tokenHash))
	if err != nil {
		return nil, err
	}
	g, err := s.getGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.ClientID != clientID {
		return nil, grant.ErrNotFound
	}
	return g, nil
}

func (s *Store) RotateRefreshToken(ctx context.Context, grantID, oldHash string, newRT grant.RefreshToken) error {
	_, err := s.mutateGrant(ctx, grantID, func(g *grant.Grant) error {
		old := g.FindRefreshToken(oldHash)
		if old == nil || old.RevokedAt != nil {
			return grant.ErrTokenMismatch
		}
		now := time.Now()
		old.RevokedAt = &now
		g.Refresh = append(g.Refresh, newRT)
		return nil
	})
	if err != nil {
		return err
	}
	pipe := s.c.Pipeline()
	pipe.Del(ctx, s.keyRT(oldHash))
	pipe.Set(ctx, s.keyRT(newRT.Code), grantID, time.Until(newRT.ExpiresAt))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetByAuthReqID(ctx context.Context, authReqID string) (*grant.Grant, error) {
	id, err := s.resolve(ctx, s.keyAreq(authReqID))
	if err != nil {
		return nil, err
	}
	g, err := s.getGrant(ctx, id)
	if err != nil || g.CIBA == nil {
		return nil, grant.ErrNotFound
	}
	return g, nil
}

func (s *Store) MarkTokensDelivered(ctx context.Context, authReqID string) (*grant.Grant, error) {
	id, err := s.resolve(ctx, s.keyAreq(authReqID))
	if err != nil {
		return nil, err
	}
	return s.mutateGrant(ctx, id, func(g *grant.Grant) error {
		if g.CIBA == nil {
			return grant.ErrNotFound
		}
		if g.CIBA.TokensDelivered {
			return grant.ErrAlreadyDelivered
		}
		g.CIBA.TokensDelivered = true
		return nil
	})
}

func (s *Store) ConsumeByDeviceCode(ctx context.Context, deviceCodeHash string) (*grant.Grant, error) {
	// GETDEL sobre el índice elige exactamente un ganador.
	id, err := s.c.GetDel(ctx, s.keyDev(deviceCodeHash)).Result()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	g, err := s.getGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	out := *g
	if len(g.Refresh) == 0 {
		_ = s.Delete(ctx, id)
	} else {
		_, _ = s.mutateGrant(ctx, id, func(g *grant.Grant) error {
			g.Device = nil
			return nil
		})
	}
	return &out, nil
}

func (s *Store) PutCibaRequest(ctx context.Context, r *grant.CibaRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.c.Set(ctx, s.keyCibaRq(r.AuthReqID), data, time.Until(r.ExpiresAt)).Err()
}

func (s *Store) GetCibaRequest(ctx context.Context, authReqID string) (*grant.CibaRequest, error) {
	raw, err := s.c.Get(ctx, s.keyCibaRq(authReqID)).Bytes()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	r := &grant.CibaRequest{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) UpdateCibaRequest(ctx context.Context, r *grant.CibaRequest) error {
	return s.PutCibaRequest(ctx, r)
}

func (s *Store) DeleteCibaRequest(ctx context.Context, authReqID string) error {
	return s.c.Del(ctx, s.keyCibaRq(authReqID)).Err()
}

func (s *Store) PutDeviceAuthorization(ctx context.Context, d *grant.DeviceAuthorization) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.c.Set(ctx, s.keyDevRq(d.DeviceCode), data, time.Until(d.ExpiresAt)).Err()
}

func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCodeHash string) (*grant.DeviceAuthorization, error) {
	raw, err := s.c.Get(ctx, s.keyDevRq(deviceCodeHash)).Bytes()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, grant.ErrNotFound
		}
		return nil, err
	}
	d := &grant.DeviceAuthorization{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) UpdateDeviceAuthorization(ctx context.Context, d *grant.DeviceAuthorization) error {
	return s.PutDeviceAuthorization(ctx, d)
}

func (s *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCodeHash string) error {
	return s.c.Del(ctx, s.keyDevRq(deviceCodeHash)).Err()
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	// Los índices y registros expiran por TTL de Redis; acá solo se
	// recorren los grants sin nada vivo.
	removed := 0
	iter := s.c.Scan(ctx, 0, s.prefix+"g:*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.c.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		g := &grant.Grant{}
		if err := json.Unmarshal(raw, g); err != nil {
			continue
		}
		if grantExpired(g, now) {
			if err := s.Delete(ctx, g.ID); err == nil {
				removed++
			}
		}
	}
	return removed, iter.Err()
}

func grantExpired(g *grant.Grant, now time.Time) bool {
	for _, rt := range g.Refresh {
		if rt.RevokedAt == nil && now.Before(rt.ExpiresAt) {
			return false
		}
	}
	switch g.Kind {
	case grant.TypeAuthorizationCode:
		return g.AuthCode == nil || g.AuthCode.Consumed || now.After(g.AuthCode.ExpiresAt)
	case grant.TypeCIBA:
		return g.CIBA == nil || g.CIBA.TokensDelivered
	case grant.TypeDeviceCode:
		return g.Device == nil
	default:
		return true
	}
}

func (s *Store) Close() error {
	return s.c.Close()
}
