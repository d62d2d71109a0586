package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const secretBytes = 32

var errMalformedSecret = errors.New("token: malformed secret")

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hasher derives the storage id of a secret. The pepper keys the hash so a
// leaked table cannot be matched against guessed secrets offline.
type hasher struct {
	key [32]byte
}

func newHasher(pepper []byte) hasher {
	return hasher{key: blake2b.Sum256(pepper)}
}

func (h hasher) tokenID(secret string) (string, error) {
	if len(secret) != 2*secretBytes {
		return "", errMalformedSecret
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return "", errMalformedSecret
	}
	mac, err := blake2b.New256(h.key[:])
	if err != nil {
		return "", err
	}
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
