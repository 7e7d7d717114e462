package state

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// sealedPrefix marks values written with a seal key.
var sealedPrefix = []byte("sb1:")

var errSealedNoKey = errors.New("credentials are sealed but no state key is configured")

// ParseKey decodes a hex encoded 32-byte seal key.
func ParseKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding state key: %w", err)
	}

	if len(raw) != 32 {
		return nil, fmt.Errorf("state key must be 32 bytes, got %d", len(raw))
	}

	var key [32]byte
	copy(key[:], raw)

	return &key, nil
}

func (s *State) seal(plain []byte) ([]byte, error) {
	if s.key == nil {
		return plain, nil
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := append([]byte{}, sealedPrefix...)
	out = append(out, nonce[:]...)

	return secretbox.Seal(out, plain, &nonce, s.key), nil
}

func (s *State) open(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}

	if s.key == nil {
		return nil, errSealedNoKey
	}

	box := stored[len(sealedPrefix):]
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed credentials truncated")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])

	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, errors.New("opening sealed credentials: wrong key or corrupted data")
	}

	return plain, nil
}
