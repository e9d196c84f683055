package oauth

import (
	"context"
	"errors"
	"sync"

	"github.com/dropDatabas3/tokend/internal/security/password"
)

// ErrBadCredentials lo devuelven los autenticadores cuando las
// credenciales no validan (el dispatcher lo traduce a invalid_client).
var ErrBadCredentials = errors.New("bad credentials")

// AuthenticatorChain prueba autenticadores en orden (filtro, script
// externo, default) y devuelve el primer éxito. Falla recién cuando
// todos fallan.
type AuthenticatorChain []UserAuthenticator

func (c AuthenticatorChain) Authenticate(ctx context.Context, username, pass string) (string, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		uid, err := a.Authenticate(ctx, username, pass)
		if err == nil {
			return uid, nil
		}
	}
	return "", ErrBadCredentials
}

// StaticUserAuthenticator es el autenticador default por username/password
// contra un set fijo de usuarios (hashes argon2id). Sirve para dev y tests;
// producción cuelga un autenticador real adelante en la cadena.
type StaticUserAuthenticator struct {
	mu    sync.RWMutex
	users map[string]staticUser
}

type staticUser struct {
	id   string
	hash string
}

func NewStaticUserAuthenticator() *StaticUserAuthenticator {
	return &StaticUserAuthenticator{users: make(map[string]staticUser)}
}

// AddUser registra un usuario con password en texto plano (se hashea acá).
func (s *StaticUserAuthenticator) AddUser(username, userID, plain string) error {
	h, err := password.Hash(password.Default, plain)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[username] = staticUser{id: userID, hash: h}
	s.mu.Unlock()
	return nil
}

func (s *StaticUserAuthenticator) Authenticate(_ context.Context, username, pass string) (string, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok || !password.Verify(pass, u.hash) {
		return "", ErrBadCredentials
	}
	return u.id, nil
}
