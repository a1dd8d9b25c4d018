// Package entropy provides random sources that fail on demand.
package entropy

import (
	"crypto/rand"
	"errors"
)

var ErrExhausted = errors.New("entropy exhausted")

// Budget serves N successful reads from crypto/rand, then fails.
type Budget struct {
	N int
}

func (r *Budget) Read(p []byte) (int, error) {
	if r.N <= 0 {
		return 0, ErrExhausted
	}
	r.N--
	return rand.Read(p)
}

// Failing fails every read.
type Failing struct{}

func (Failing) Read([]byte) (int, error) { return 0, ErrExhausted }
