// Package messenger sends and receives pseudonymous, attribute-encrypted
// messages between nodes.
//
// The plaintext payload is "pseudonym|sequence|content". Send encrypts it
// through the credential authority, asks the transport policy whether the
// message survives, and optionally publishes it on an in-process bus.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"v2x-privacy/go-backend/internal/credentials"
	"v2x-privacy/go-backend/internal/platform/ratelimiter"
	"v2x-privacy/go-backend/internal/pseudonym"
	"v2x-privacy/go-backend/internal/transport"
)

var (
	ErrMalformedPayload   = errors.New("malformed message payload")
	ErrUnknownSender      = errors.New("unknown sender pseudonym")
	ErrTransmissionFailed = errors.New("message transmission failed")
	ErrRateLimited        = errors.New("sender rate limited")
	ErrNoBus              = errors.New("messenger has no bus")
	ErrInvalidMode        = errors.New("invalid messenger mode")
)

const (
	componentName    = "messenger"
	payloadSeparator = "|"
)

// Mode selects how envelopes are sealed and opened.
type Mode string

const (
	// ModeLegacy wraps the message key under the lowest node's first
	// attribute key and opens envelopes with the receiver's master key.
	ModeLegacy Mode = "legacy"
	// ModeRecipient wraps under the destination's own attribute keys and
	// opens envelopes with the receiver's attribute keys.
	ModeRecipient Mode = "recipient"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeLegacy:
		return ModeLegacy, nil
	case ModeRecipient:
		return ModeRecipient, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// DefaultRequiredAttributes is the attribute set every message is wrapped for.
func DefaultRequiredAttributes() []string {
	return []string{"vehicle", "authorized"}
}

type Options struct {
	Logger  *slog.Logger
	Policy  transport.Policy
	Bus     *transport.Bus
	Limiter *ratelimiter.NodeLimiter
	Metrics *Metrics
	// Required defaults to DefaultRequiredAttributes when nil. A non-nil
	// empty slice sends envelopes with an empty header.
	Required []string
	Mode     Mode
	Now      func() time.Time
}

// Delivery describes a message that left the sender.
type Delivery struct {
	MessageID string
	Sequence  uint64
	Pseudonym string
	Envelope  []byte
	Delay     time.Duration
}

// Inbound is a message accepted by a receiver.
type Inbound struct {
	MessageID string
	Pseudonym string
	Sequence  uint64
	Content   string
}

type Messenger struct {
	auth     *credentials.Authority
	registry *pseudonym.Registry
	logger   *slog.Logger
	policy   transport.Policy
	bus      *transport.Bus
	limiter  *ratelimiter.NodeLimiter
	metrics  *Metrics
	required []string
	mode     Mode
	now      func() time.Time

	seq atomic.Uint64
}

func New(auth *credentials.Authority, registry *pseudonym.Registry, opts Options) *Messenger {
	m := &Messenger{
		auth:     auth,
		registry: registry,
		logger:   opts.Logger,
		policy:   opts.Policy,
		bus:      opts.Bus,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		mode:     opts.Mode,
		now:      opts.Now,
	}
	if m.registry == nil {
		m.registry = pseudonym.NewRegistry()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.policy == nil {
		m.policy = transport.AlwaysDeliver{}
	}
	if m.mode == "" {
		m.mode = ModeLegacy
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Required == nil {
		m.required = DefaultRequiredAttributes()
	} else {
		m.required = append([]string(nil), opts.Required...)
	}
	return m
}

func (m *Messenger) Mode() Mode { return m.mode }

// Send delivers plaintext from sourceID to destID. The sequence counter
// advances even when encryption or transmission fails afterwards.
func (m *Messenger) Send(ctx context.Context, sourceID, destID int, plaintext string) (Delivery, error) {
	const op = "message.send"
	if !m.limiter.Allow(sourceID, m.now()) {
		m.metrics.recordFailure(op, "rate_limited")
		m.logWarn(op, "n/a", "send rejected", "source_id", sourceID, "dest_id", destID)
		return Delivery{}, ErrRateLimited
	}

	pseudo, err := m.Pseudonym(sourceID)
	if err != nil {
		m.metrics.recordFailure(op, "pseudonym")
		m.logError(op, "n/a", err, "source_id", sourceID)
		return Delivery{}, err
	}

	seq := m.seq.Inc()
	payload := []byte(pseudo + payloadSeparator + strconv.FormatUint(seq, 10) + payloadSeparator + plaintext)

	var envelope []byte
	switch m.mode {
	case ModeRecipient:
		envelope, err = m.auth.EncryptMessageFor(destID, payload, m.required)
	default:
		envelope, err = m.auth.EncryptMessage(payload, m.required)
	}
	if err != nil {
		m.metrics.recordFailure(op, "encrypt")
		m.logError(op, "n/a", err, "source_id", sourceID, "dest_id", destID, "sequence", seq)
		return Delivery{}, fmt.Errorf("send message: %w", err)
	}

	outcome := m.policy.Decide()
	if !outcome.Delivered {
		m.metrics.recordDropped()
		m.logWarn(op, "n/a", "message transmission failed", "source_id", sourceID, "dest_id", destID, "sequence", seq)
		return Delivery{}, ErrTransmissionFailed
	}
	if err := wait(ctx, outcome.Delay); err != nil {
		m.metrics.recordFailure(op, "canceled")
		return Delivery{}, fmt.Errorf("send message: %w", err)
	}

	var messageID string
	if m.bus != nil {
		messageID = m.bus.Publish(transport.Message{SenderID: sourceID, Recipient: destID, Envelope: envelope})
	} else {
		messageID = uuid.NewString()
	}
	m.metrics.recordSent(outcome.Delay.Seconds())
	m.logInfo(op, messageID, "message sent",
		"source_id", sourceID,
		"dest_id", destID,
		"sequence", seq,
		"delay_ms", outcome.Delay.Milliseconds(),
	)
	return Delivery{
		MessageID: messageID,
		Sequence:  seq,
		Pseudonym: pseudo,
		Envelope:  envelope,
		Delay:     outcome.Delay,
	}, nil
}

// Receive decrypts envelope for destID and returns the message content.
func (m *Messenger) Receive(destID int, envelope []byte) (string, error) {
	in, err := m.open(destID, envelope, "")
	if err != nil {
		return "", err
	}
	return in.Content, nil
}

// Listen runs Receive on every bus delivery for destID. Messages that fail
// to decrypt or verify are logged and skipped.
//
// Messages already queued for destID are replayed serially on the calling
// goroutine before Listen returns. Live deliveries after that run handler
// on separate goroutines, possibly concurrently and out of sequence order,
// so handler must be safe for concurrent use.
func (m *Messenger) Listen(destID int, handler func(Inbound)) error {
	if m.bus == nil {
		return ErrNoBus
	}
	if handler == nil {
		return transport.ErrNilHandler
	}
	return m.bus.Subscribe(destID, func(msg transport.Message) {
		in, err := m.open(destID, msg.Envelope, msg.ID)
		if err != nil {
			return
		}
		handler(in)
	})
}

// StopListening removes the bus handler for destID.
func (m *Messenger) StopListening(destID int) {
	if m.bus != nil {
		m.bus.Unsubscribe(destID)
	}
}

func (m *Messenger) open(destID int, envelope []byte, messageID string) (Inbound, error) {
	const op = "message.receive"
	correlationID := messageID
	if correlationID == "" {
		correlationID = "n/a"
	}

	var (
		plain []byte
		err   error
	)
	switch m.mode {
	case ModeRecipient:
		plain, err = m.auth.OpenEnvelope(destID, envelope)
	default:
		plain, err = m.auth.DecryptMessage(destID, envelope)
	}
	if err != nil {
		m.metrics.recordFailure(op, "decrypt")
		m.logError(op, correlationID, err, "dest_id", destID)
		return Inbound{}, fmt.Errorf("receive message: %w", err)
	}

	in, err := parsePayload(string(plain))
	if err != nil {
		m.metrics.recordFailure(op, "payload")
		m.logError(op, correlationID, err, "dest_id", destID)
		return Inbound{}, err
	}
	if _, ok := m.registry.Lookup(in.Pseudonym); !ok {
		m.metrics.recordFailure(op, "unknown_sender")
		m.logError(op, correlationID, ErrUnknownSender, "dest_id", destID, "pseudonym", in.Pseudonym)
		return Inbound{}, ErrUnknownSender
	}
	in.MessageID = messageID
	m.metrics.recordReceived()
	m.logInfo(op, correlationID, "message received", "dest_id", destID, "sequence", in.Sequence)
	return in, nil
}

func parsePayload(raw string) (Inbound, error) {
	parts := strings.SplitN(raw, payloadSeparator, 3)
	if len(parts) != 3 {
		return Inbound{}, ErrMalformedPayload
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: sequence %q", ErrMalformedPayload, parts[1])
	}
	return Inbound{Pseudonym: parts[0], Sequence: seq, Content: parts[2]}, nil
}

// Pseudonym returns the node's current pseudonym, issuing one if needed.
func (m *Messenger) Pseudonym(nodeID int) (string, error) {
	p, err := m.registry.GetOrCreate(nodeID)
	if err != nil {
		return "", err
	}
	m.auth.SetPseudonym(nodeID, p)
	return p, nil
}

func (m *Messenger) RotatePseudonym(nodeID int) (string, error) {
	const op = "pseudonym.rotate"
	p, err := m.registry.Rotate(nodeID)
	if err != nil {
		m.metrics.recordFailure(op, "entropy")
		m.logError(op, "n/a", err, "node_id", nodeID)
		return "", err
	}
	m.auth.SetPseudonym(nodeID, p)
	m.logInfo(op, "n/a", "pseudonym rotated", "node_id", nodeID)
	return p, nil
}

// RevokePseudonym removes every pseudonym of nodeID. Messages carrying a
// revoked pseudonym are rejected as coming from an unknown sender.
func (m *Messenger) RevokePseudonym(nodeID int) bool {
	revoked := m.registry.Revoke(nodeID)
	m.auth.SetPseudonym(nodeID, "")
	m.limiter.Forget(nodeID)
	if revoked {
		m.logInfo("pseudonym.revoke", "n/a", "pseudonym revoked", "node_id", nodeID)
	}
	return revoked
}

// Sequence returns the last issued sequence number.
func (m *Messenger) Sequence() uint64 {
	return m.seq.Load()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Messenger) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", correlationID,
	}
	m.logger.Info(message, append(base, attrs...)...)
}

func (m *Messenger) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", correlationID,
	}
	m.logger.Warn(message, append(base, attrs...)...)
}

func (m *Messenger) logError(operation, correlationID string, err error, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", correlationID,
		"error", err.Error(),
	}
	m.logger.Error("messenger error", append(base, attrs...)...)
}
