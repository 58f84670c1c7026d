package donutupload

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the width in bytes of a derived internal key before hex
// encoding.
const KeySize = 12

// KeyDeriver maps external upload ids to fixed width storage keys using
// keyed BLAKE2b truncated to KeySize bytes.
//
// Keys are only stable for as long as the secret is. If the secret is
// not persisted alongside the store, every key derived before a restart
// becomes unreachable.
//
// Collisions are not detected; a colliding id fails Create with
// ErrAlreadyExists.
type KeyDeriver struct {
	secret []byte
}

func NewKeyDeriver(secret []byte) (*KeyDeriver, error) {
	if len(secret) == 0 {
		return nil, errors.New("key derivation secret must not be empty")
	}
	if len(secret) > blake2b.Size {
		return nil, errors.New("key derivation secret must be at most 64 bytes")
	}

	s := make([]byte, len(secret))
	copy(s, secret)
	return &KeyDeriver{secret: s}, nil
}

func (d *KeyDeriver) Derive(externalID string) string {
	h, err := blake2b.New(KeySize, d.secret)
	if err != nil {
		// only possible for invalid sizes, which NewKeyDeriver rejects
		panic(err)
	}
	h.Write([]byte(externalID))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateSecret returns a random secret suitable for NewKeyDeriver or
// WithSecret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}
