package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"v2x-privacy/go-backend/internal/crypto"
)

var (
	ErrKeyGeneration = errors.New("credential key generation failed")
	ErrUnknownNode   = errors.New("unknown node")
)

const componentName = "credentials"

type AttributeKey struct {
	Attribute string
	Key       [crypto.KeySize]byte
}

type NodeCredentials struct {
	MasterKey  [crypto.KeySize]byte
	Attributes []AttributeKey
	Pseudonym  string
}

func (c *NodeCredentials) clone() NodeCredentials {
	out := NodeCredentials{MasterKey: c.MasterKey, Pseudonym: c.Pseudonym}
	out.Attributes = append([]AttributeKey(nil), c.Attributes...)
	return out
}

func (c *NodeCredentials) attributeKey(name string) ([]byte, bool) {
	for i := range c.Attributes {
		if c.Attributes[i].Attribute == name {
			return c.Attributes[i].Key[:], true
		}
	}
	return nil, false
}

// Authority owns the credential store: node id -> master key and attribute keys.
type Authority struct {
	mu     sync.RWMutex
	nodes  map[int]*NodeCredentials
	cipher *crypto.Cipher
	logger *slog.Logger
	now    func() time.Time

	tokenTTL time.Duration
}

type Option func(*Authority)

// WithCipher replaces the cipher helper, mainly to inject a random source.
func WithCipher(c *crypto.Cipher) Option {
	return func(a *Authority) {
		if c != nil {
			a.cipher = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func NewAuthority(opts ...Option) *Authority {
	a := &Authority{
		nodes:    make(map[int]*NodeCredentials),
		cipher:   &crypto.Cipher{},
		logger:   slog.Default(),
		now:      time.Now,
		tokenTTL: defaultTokenTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IssueCredentials draws a master key and one key per attribute name and
// stores them under nodeID, replacing any prior entry. Nothing is stored if
// any draw fails.
func (a *Authority) IssueCredentials(nodeID int, attributes []string) error {
	creds := &NodeCredentials{}
	master, err := a.cipher.GenerateKey(crypto.KeySize)
	if err != nil {
		a.logError("issue_credentials", nodeID, err)
		return fmt.Errorf("%w: master key: %w", ErrKeyGeneration, err)
	}
	copy(creds.MasterKey[:], master)
	crypto.ZeroBytes(master)

	creds.Attributes = make([]AttributeKey, 0, len(attributes))
	for _, name := range attributes {
		ak, err := a.newAttributeKey(name)
		if err != nil {
			a.logError("issue_credentials", nodeID, err, "attribute", name)
			return err
		}
		creds.Attributes = append(creds.Attributes, ak)
	}

	a.mu.Lock()
	if prev, ok := a.nodes[nodeID]; ok {
		creds.Pseudonym = prev.Pseudonym
	}
	a.nodes[nodeID] = creds
	a.mu.Unlock()

	a.logger.Info("credentials issued",
		"component", componentName,
		"operation", "issue_credentials",
		"node_id", nodeID,
		"attribute_count", len(attributes),
	)
	return nil
}

func (a *Authority) newAttributeKey(name string) (AttributeKey, error) {
	raw, err := a.cipher.GenerateKey(crypto.KeySize)
	if err != nil {
		return AttributeKey{}, fmt.Errorf("%w: attribute %q: %w", ErrKeyGeneration, name, err)
	}
	ak := AttributeKey{Attribute: name}
	copy(ak.Key[:], raw)
	crypto.ZeroBytes(raw)
	return ak, nil
}

// AddAttribute appends a freshly keyed attribute to an existing node.
func (a *Authority) AddAttribute(nodeID int, name string) error {
	ak, err := a.newAttributeKey(name)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	creds.Attributes = append(creds.Attributes, ak)
	return nil
}

// RemoveAttribute drops every key issued under name and reports whether any
// existed.
func (a *Authority) RemoveAttribute(nodeID int, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		return false, ErrUnknownNode
	}
	kept := creds.Attributes[:0]
	removed := false
	for _, ak := range creds.Attributes {
		if ak.Attribute == name {
			removed = true
			continue
		}
		kept = append(kept, ak)
	}
	creds.Attributes = kept
	return removed, nil
}

func (a *Authority) HasAttributes(nodeID int, required []string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		return false
	}
	for _, name := range required {
		if _, held := creds.attributeKey(name); !held {
			return false
		}
	}
	return true
}

func (a *Authority) Attributes(nodeID int) ([]string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(creds.Attributes))
	for _, ak := range creds.Attributes {
		out = append(out, ak.Attribute)
	}
	return out, true
}

// Credentials returns a copy of the node's credential set.
func (a *Authority) Credentials(nodeID int) (NodeCredentials, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		return NodeCredentials{}, false
	}
	return creds.clone(), true
}

func (a *Authority) Nodes() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]int, 0, len(a.nodes))
	for id := range a.nodes {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (a *Authority) SetPseudonym(nodeID int, pseudonym string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		return false
	}
	creds.Pseudonym = pseudonym
	return true
}

func (a *Authority) Pseudonym(nodeID int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	creds, ok := a.nodes[nodeID]
	if !ok || creds.Pseudonym == "" {
		return "", false
	}
	return creds.Pseudonym, true
}

// firstNodeLocked returns the entry with the lowest node id.
func (a *Authority) firstNodeLocked() (*NodeCredentials, bool) {
	var (
		first   *NodeCredentials
		firstID int
	)
	for id, creds := range a.nodes {
		if first == nil || id < firstID {
			first, firstID = creds, id
		}
	}
	return first, first != nil
}

func (a *Authority) logError(operation string, nodeID int, err error, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"node_id", nodeID,
		"error", err.Error(),
	}
	a.logger.Error("credential operation failed", append(base, attrs...)...)
}
