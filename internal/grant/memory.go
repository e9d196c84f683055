package grant

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Prefijos de keys en el cache. Los índices secundarios apuntan al grant ID.
const (
	keyGrant  = "g:"    // g:<id> -> *Grant
	keyCode   = "code:" // code:<hash> -> grantID
	keyRT     = "rt:"   // rt:<hash> -> grantID
	keyAreq   = "areq:" // areq:<auth_req_id> -> grantID
	keyDev    = "dev:"  // dev:<hash> -> grantID
	keyCibaRq = "creq:" // creq:<auth_req_id> -> *CibaRequest
	keyDevRq  = "dreq:" // dreq:<hash> -> *DeviceAuthorization
)

const lockStripes = 64

// MemoryStore es el registro in-process. go-cache aporta el storage con
// TTL; las secuencias lookup-then-mutate se serializan con mutexes
// per-key (striped) sobre el grant ID.
type MemoryStore struct {
	c       *gocache.Cache
	locks   [lockStripes]sync.Mutex
	codeTTL time.Duration
}

// NewMemoryStore crea el registro en memoria.
// codeTTL gobierna la vida del índice de authorization codes.
func NewMemoryStore(codeTTL time.Duration) *MemoryStore {
	if codeTTL <= 0 {
		codeTTL = 2 * time.Minute
	}
	return &MemoryStore{
		c:       gocache.New(gocache.NoExpiration, 5*time.Minute),
		codeTTL: codeTTL,
	}
}

func (m *MemoryStore) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *MemoryStore) getGrant(id string) (*Grant, bool) {
	v, ok := m.c.Get(keyGrant + id)
	if !ok {
		return nil, false
	}
	g, ok := v.(*Grant)
	return g, ok
}

// clone copia el grant para que los callers no muten estado compartido.
func clone(g *Grant) *Grant {
	cp := *g
	if g.AuthCode != nil {
		ac := *g.AuthCode
		cp.AuthCode = &ac
	}
	if g.CIBA != nil {
		cb := *g.CIBA
		cp.CIBA = &cb
	}
	if g.Device != nil {
		dv := *g.Device
		cp.Device = &dv
	}
	if g.ROPC != nil {
		ro := *g.ROPC
		cp.ROPC = &ro
	}
	cp.Scopes = append([]string(nil), g.Scopes...)
	cp.Refresh = make([]RefreshToken, len(g.Refresh))
	for i, rt := range g.Refresh {
		cp.Refresh[i] = rt
		if rt.RevokedAt != nil {
			t := *rt.RevokedAt
			cp.Refresh[i].RevokedAt = &t
		}
	}
	return &cp
}

func (m *MemoryStore) Put(ctx context.Context, g *Grant) error {
	mu := m.lockFor(g.ID)
	mu.Lock()
	defer mu.Unlock()
	m.putLocked(g)
	return nil
}

func (m *MemoryStore) putLocked(g *Grant) {
	cp := clone(g)
	m.c.Set(keyGrant+cp.ID, cp, gocache.NoExpiration)
	if cp.AuthCode != nil && cp.AuthCode.Code != "" {
		m.c.Set(keyCode+cp.AuthCode.Code, cp.ID, m.codeTTL)
	}
	for _, rt := range cp.Refresh {
		m.c.Set(keyRT+rt.Code, cp.ID, time.Until(rt.ExpiresAt))
	}
	if cp.CIBA != nil && cp.CIBA.AuthReqID != "" {
		m.c.Set(keyAreq+cp.CIBA.AuthReqID, cp.ID, gocache.NoExpiration)
	}
	if cp.Device != nil && cp.Device.DeviceCode != "" {
		m.c.Set(keyDev+cp.Device.DeviceCode, cp.ID, gocache.NoExpiration)
	}
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	m.deleteLocked(id)
	return nil
}

func (m *MemoryStore) deleteLocked(id string) {
	g, ok := m.getGrant(id)
	if !ok {
		return
	}
	if g.AuthCode != nil {
		m.c.Delete(keyCode + g.AuthCode.Code)
	}
	for _, rt := range g.Refresh {
		m.c.Delete(keyRT + rt.Code)
	}
	if g.CIBA != nil {
		m.c.Delete(keyAreq + g.CIBA.AuthReqID)
	}
	if g.Device != nil {
		m.c.Delete(keyDev + g.Device.DeviceCode)
	}
	m.c.Delete(keyGrant + id)
}

func (m *MemoryStore) resolve(indexKey string) (string, bool) {
	v, ok := m.c.Get(indexKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func (m *MemoryStore) RedeemCode(ctx context.Context, codeHash string) (*Grant, error) {
	id, ok := m.resolve(keyCode + codeHash)
	if !ok {
		return nil, ErrNotFound
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	g, ok := m.getGrant(id)
	if !ok || g.AuthCode == nil || g.AuthCode.Code != codeHash {
		return nil, ErrNotFound
	}
	if g.AuthCode.Consumed {
		return nil, ErrAlreadyConsumed
	}
	if time.Now().After(g.AuthCode.ExpiresAt) {
		return nil, ErrNotFound
	}
	g = clone(g)
	g.AuthCode.Consumed = true
	m.putLocked(g)
	return clone(g), nil
}

func (m *MemoryStore) PurgeCode(ctx context.Context, codeHash string) error {
	id, ok := m.resolve(keyCode + codeHash)
	m.c.Delete(keyCode + codeHash)
	if !ok {
		return nil
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	g, ok := m.getGrant(id)
	if !ok {
		return nil
	}
	// El grant sobrevive si ya porta refresh tokens vivos; solo se
	// desarma la parte de código.
	g = clone(g)
	alive := false
	for _, rt := range g.Refresh {
		if rt.IsValid() {
			alive = true
			break
		}
	}
	if !alive {
		m.deleteLocked(id)
		return nil
	}
	g.AuthCode = nil
	m.putLocked(g)
	return nil
}

func (m *MemoryStore) GetByRefreshToken(ctx context.Context, clientID, tokenHash string) (*Grant, error) {
	id, ok := m.resolve(keyRT + tokenHash)
	if !ok {
		return nil, ErrNotFound
	}
	g, ok := m.getGrant(id)
	if !ok || g.ClientID != clientID {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (m *MemoryStore) RotateRefreshToken(ctx context.Context, grantID, oldHash string, newRT RefreshToken) error {
	mu := m.lockFor(grantID)
	mu.Lock()
	defer mu.Unlock()
	g, ok := m.getGrant(grantID)
	if !ok {
		return ErrNotFound
	}
	g = clone(g)
	old := g.FindRefreshToken(oldHash)
	if old == nil || old.RevokedAt != nil {
		return ErrTokenMismatch
	}
	now := time.Now()
	old.RevokedAt = &now
	g.Refresh = append(g.Refresh, newRT)
	m.putLocked(g)
	// El índice del token viejo se corta ya mismo: revocado no resuelve.
	m.c.Delete(keyRT + oldHash)
	return nil
}

func (m *MemoryStore) GetByAuthReqID(ctx context.Context, authReqID string) (*Grant, error) {
	id, ok := m.resolve(keyAreq + authReqID)
	if !ok {
		return nil, ErrNotFound
	}
	g, ok := m.getGrant(id)
	if !ok || g.CIBA == nil {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (m *MemoryStore) MarkTokensDelivered(ctx context.Context, authReqID string) (*Grant, error) {
	id, ok := m.resolve(keyAreq + authReqID)
	if !ok {
		return nil, ErrNotFound
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	g, ok := m.getGrant(id)
	if !ok || g.CIBA == nil {
		return nil, ErrNotFound
	}
	if g.CIBA.TokensDelivered {
		return nil, ErrAlreadyDelivered
	}
	g = clone(g)
	g.CIBA.TokensDelivered = true
	m.putLocked(g)
	return clone(g), nil
}

func (m *MemoryStore) ConsumeByDeviceCode(ctx context.Context, deviceCodeHash string) (*Grant, error) {
	id, ok := m.resolve(keyDev + deviceCodeHash)
	if !ok {
		return nil, ErrNotFound
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	g, ok := m.getGrant(id)
	if !ok || g.Device == nil || g.Device.DeviceCode != deviceCodeHash {
		return nil, ErrNotFound
	}
	out := clone(g)
	// Entrega única: el device code deja de resolver, el grant queda
	// solo si porta refresh tokens (se reindexa sin la variante device).
	g = clone(g)
	m.c.Delete(keyDev + deviceCodeHash)
	g.Device = nil
	if len(g.Refresh) == 0 {
		m.deleteLocked(id)
	} else {
		m.putLocked(g)
	}
	return out, nil
}

func (m *MemoryStore) PutCibaRequest(ctx context.Context, r *CibaRequest) error {
	cp := *r
	m.c.Set(keyCibaRq+r.AuthReqID, &cp, time.Until(r.ExpiresAt))
	return nil
}

func (m *MemoryStore) GetCibaRequest(ctx context.Context, authReqID string) (*CibaRequest, error) {
	v, ok := m.c.Get(keyCibaRq + authReqID)
	if !ok {
		return nil, ErrNotFound
	}
	r := v.(*CibaRequest)
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateCibaRequest(ctx context.Context, r *CibaRequest) error {
	return m.PutCibaRequest(ctx, r)
}

func (m *MemoryStore) DeleteCibaRequest(ctx context.Context, authReqID string) error {
	m.c.Delete(keyCibaRq + authReqID)
	return nil
}

func (m *MemoryStore) PutDeviceAuthorization(ctx context.Context, d *DeviceAuthorization) error {
	cp := *d
	m.c.Set(keyDevRq+d.DeviceCode, &cp, time.Until(d.ExpiresAt))
	return nil
}

func (m *MemoryStore) GetDeviceAuthorization(ctx context.Context, deviceCodeHash string) (*DeviceAuthorization, error) {
	v, ok := m.c.Get(keyDevRq + deviceCodeHash)
	if !ok {
		return nil, ErrNotFound
	}
	d := v.(*DeviceAuthorization)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDeviceAuthorization(ctx context.Context, d *DeviceAuthorization) error {
	return m.PutDeviceAuthorization(ctx, d)
}

func (m *MemoryStore) DeleteDeviceAuthorization(ctx context.Context, deviceCodeHash string) error {
	m.c.Delete(keyDevRq + deviceCodeHash)
	return nil
}

func (m *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for key, item := range m.c.Items() {
		if !strings.HasPrefix(key, keyGrant) {
			continue
		}
		g, ok := item.Object.(*Grant)
		if !ok {
			continue
		}
		if expired(g, now) {
			_ = m.Delete(ctx, g.ID)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.c.Flush()
	return nil
}
