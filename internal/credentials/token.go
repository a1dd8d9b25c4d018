package credentials

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"v2x-privacy/go-backend/internal/crypto"
)

var (
	ErrInvalidToken = errors.New("invalid auth token")
	ErrTokenExpired = errors.New("auth token expired")
)

const (
	hkdfInfoAuthToken = "privcomm/auth-token/v1"
	defaultTokenTTL   = 5 * time.Minute
	tokenNonceSize    = 16
	tokenSize         = 8 + tokenNonceSize + blake2b.Size256
)

// GenerateAuthToken issues a short-lived token bound to the node's master
// key. Layout: base58(issuedAt(8) || nonce(16) || tag(32)).
func (a *Authority) GenerateAuthToken(nodeID int) (string, error) {
	key, err := a.tokenKey(nodeID)
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(key)

	nonce, err := a.cipher.GenerateKey(tokenNonceSize)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 8, tokenSize)
	binary.BigEndian.PutUint64(raw, uint64(a.now().Unix()))
	raw = append(raw, nonce...)
	tag, err := tokenTag(key, nodeID, raw)
	if err != nil {
		return "", err
	}
	return base58.Encode(append(raw, tag...)), nil
}

func (a *Authority) VerifyAuthToken(nodeID int, token string) error {
	raw, err := base58.Decode(token)
	if err != nil || len(raw) != tokenSize {
		return ErrInvalidToken
	}
	key, err := a.tokenKey(nodeID)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(key)

	signed, tag := raw[:8+tokenNonceSize], raw[8+tokenNonceSize:]
	want, err := tokenTag(key, nodeID, signed)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return ErrInvalidToken
	}
	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(signed[:8])), 0)
	now := a.now()
	if issuedAt.After(now) {
		return ErrInvalidToken
	}
	if now.Sub(issuedAt) > a.tokenTTL {
		return ErrTokenExpired
	}
	return nil
}

func (a *Authority) tokenKey(nodeID int) ([]byte, error) {
	a.mu.RLock()
	creds, ok := a.nodes[nodeID]
	var master [crypto.KeySize]byte
	if ok {
		master = creds.MasterKey
	}
	a.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownNode
	}
	defer crypto.ZeroBytes(master[:])

	reader := hkdf.New(sha256.New, master[:], nil, []byte(hkdfInfoAuthToken))
	out := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return out, nil
}

func tokenTag(key []byte, nodeID int, signed []byte) ([]byte, error) {
	mac, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(int64(nodeID)))
	mac.Write(id[:])
	mac.Write(signed)
	return mac.Sum(nil), nil
}
