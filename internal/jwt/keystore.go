package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
)

// Keystore guarda el par de claves Ed25519 activo (y el anterior, en retiro)
// usado para firmar access/id tokens. Rotación in-process; la persistencia
// de claves es responsabilidad del operador (se cargan por config o se
// generan al inicio).
type Keystore struct {
	mu       sync.RWMutex
	kid      string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	retiring map[string]ed25519.PublicKey
}

// NewKeystore genera un keypair Ed25519 nuevo con un KID derivado de la pubkey.
func NewKeystore() (*Keystore, error) {
	ks := &Keystore{retiring: map[string]ed25519.PublicKey{}}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate genera una clave nueva y pasa la actual a "retiring" para que
// los tokens ya emitidos sigan verificando hasta expirar.
func (k *Keystore) Rotate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(pub)
	kid := base64.RawURLEncoding.EncodeToString(sum[:8])

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kid != "" {
		k.retiring[k.kid] = k.pub
	}
	k.kid, k.priv, k.pub = kid, priv, pub
	return nil
}

// Active devuelve (kid, priv, pub) de la clave de firma actual.
func (k *Keystore) Active() (string, ed25519.PrivateKey, ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kid == "" {
		return "", nil, nil, errors.New("keystore empty")
	}
	return k.kid, k.priv, k.pub, nil
}

// PublicKeyByKID resuelve la pubkey por kid (activa o en retiro).
func (k *Keystore) PublicKeyByKID(kid string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == k.kid {
		return k.pub, nil
	}
	if pub, ok := k.retiring[kid]; ok {
		return pub, nil
	}
	return nil, errors.New("unknown kid")
}
