// Package pseudonym maps ephemeral hex pseudonyms to node identifiers.
//
// A node holds at most one active pseudonym. Reverse lookups (node to
// pseudonym) scan the map; the whole scan-then-insert sequence runs under
// the registry lock so concurrent callers never assign two pseudonyms to
// the same node.
package pseudonym

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrEntropy = errors.New("pseudonym entropy unavailable")

// Size is the length of a pseudonym in hex characters.
const Size = 32

type Registry struct {
	mu    sync.Mutex
	byPse map[string]int
	rand  io.Reader
}

func NewRegistry() *Registry {
	return &Registry{byPse: make(map[string]int), rand: rand.Reader}
}

func (r *Registry) GetOrCreate(nodeID int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.findLocked(nodeID); ok {
		return p, nil
	}
	return r.createLocked(nodeID)
}

func (r *Registry) Lookup(pseudonym string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPse[pseudonym]
	return id, ok
}

// Rotate drops every pseudonym mapped to nodeID and issues exactly one new one.
func (r *Registry) Rotate(nodeID int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.generateLocked()
	if err != nil {
		return "", err
	}
	r.removeLocked(nodeID)
	r.byPse[p] = nodeID
	return p, nil
}

// Revoke removes every pseudonym mapped to nodeID. Old pseudonyms stop
// resolving; a later GetOrCreate issues a fresh one.
func (r *Registry) Revoke(nodeID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(nodeID) > 0
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPse)
}

func (r *Registry) findLocked(nodeID int) (string, bool) {
	for p, id := range r.byPse {
		if id == nodeID {
			return p, true
		}
	}
	return "", false
}

func (r *Registry) createLocked(nodeID int) (string, error) {
	p, err := r.generateLocked()
	if err != nil {
		return "", err
	}
	r.byPse[p] = nodeID
	return p, nil
}

func (r *Registry) generateLocked() (string, error) {
	buf := make([]byte, Size/2)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return hex.EncodeToString(buf), nil
}

func (r *Registry) removeLocked(nodeID int) int {
	removed := 0
	for p, id := range r.byPse {
		if id == nodeID {
			delete(r.byPse, p)
			removed++
		}
	}
	return removed
}

// Valid reports whether s has the shape of a pseudonym.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
