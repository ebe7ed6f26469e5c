package auditlog

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/travisim/farmify/internal/errors"
)

// Keyring signs on behalf of ledger identities.
type Keyring interface {
	Sign(identity string, msg []byte) ([]byte, error)
	PublicKey(identity string) (ed25519.PublicKey, error)
}

// StaticKeyring holds ed25519 keys loaded from seeds. When a derivation
// secret is set, identities without an explicit seed get a key derived from
// the secret and the identity.
type StaticKeyring struct {
	mu     sync.RWMutex
	keys   map[string]ed25519.PrivateKey
	secret []byte
}

// NewKeyring loads hex encoded 32 byte seeds keyed by identity.
func NewKeyring(seeds map[string]string, secret string) (*StaticKeyring, error) {
	k := &StaticKeyring{keys: make(map[string]ed25519.PrivateKey, len(seeds))}
	if secret != "" {
		k.secret = []byte(secret)
	}
	for identity, s := range seeds {
		seed, err := hex.DecodeString(s)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errors.Wrapf(errors.ErrConfiguration, "signer %s: seed must be %d hex encoded bytes", identity, ed25519.SeedSize)
		}
		k.keys[identity] = ed25519.NewKeyFromSeed(seed)
	}
	return k, nil
}

func (k *StaticKeyring) Sign(identity string, msg []byte) ([]byte, error) {
	key, err := k.key(identity)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, msg), nil
}

func (k *StaticKeyring) PublicKey(identity string) (ed25519.PublicKey, error) {
	key, err := k.key(identity)
	if err != nil {
		return nil, err
	}
	return key.Public().(ed25519.PublicKey), nil
}

func (k *StaticKeyring) key(identity string) (ed25519.PrivateKey, error) {
	if identity == "" {
		return nil, errors.Wrap(errors.ErrSignature, "empty signer identity")
	}
	k.mu.RLock()
	key, ok := k.keys[identity]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	if k.secret == nil {
		return nil, errors.Wrapf(errors.ErrSignature, "no key for signer %s", identity)
	}

	h := sha3.New256()
	h.Write(k.secret)
	h.Write([]byte{0})
	h.Write([]byte(identity))
	key = ed25519.NewKeyFromSeed(h.Sum(nil))

	k.mu.Lock()
	k.keys[identity] = key
	k.mu.Unlock()
	return key, nil
}

// Verify checks the signature of an entry against the signer's public key.
func Verify(keys Keyring, e Entry) error {
	pub, err := keys.PublicKey(e.Signer)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, e.Payload, e.Signature) {
		return errors.Wrapf(errors.ErrSignature, "invalid signature by %s", e.Signer)
	}
	return nil
}
