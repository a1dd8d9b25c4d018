package transport

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultSuccessProbability = 0.9
	DefaultMaxDelay           = 200 * time.Millisecond
)

// Outcome is the fate of one transmission attempt.
type Outcome struct {
	Delivered bool
	Delay     time.Duration
}

type Policy interface {
	Decide() Outcome
}

// AlwaysDeliver delivers every message immediately.
type AlwaysDeliver struct{}

func (AlwaysDeliver) Decide() Outcome { return Outcome{Delivered: true} }

// NeverDeliver drops every message.
type NeverDeliver struct{}

func (NeverDeliver) Decide() Outcome { return Outcome{} }

// Simulated models a lossy radio link: a message is lost when the uniform
// draw exceeds the success probability, otherwise it is delayed by a
// uniform amount in [0, maxDelay).
type Simulated struct {
	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
	maxDelay    time.Duration
}

func NewSimulated(successProbability float64, maxDelay time.Duration, src rand.Source) *Simulated {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if successProbability < 0 {
		successProbability = 0
	}
	if successProbability > 1 {
		successProbability = 1
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	return &Simulated{
		rng:         rand.New(src),
		probability: successProbability,
		maxDelay:    maxDelay,
	}
}

func (s *Simulated) Decide() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() > s.probability {
		return Outcome{}
	}
	var delay time.Duration
	if s.maxDelay > 0 {
		delay = time.Duration(s.rng.Int63n(int64(s.maxDelay)))
	}
	return Outcome{Delivered: true, Delay: delay}
}
