// Package privacylog keeps key material and linkable identifiers out of logs.
//
// Attributes whose key names key material are replaced with a redaction
// marker. Node ids, pseudonyms and message ids are replaced with a keyed
// fingerprint under an "_fp" suffixed key: stable within one process, not
// linkable across restarts.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	redactedValue     = "[REDACTED]"
	fingerprintPrefix = "fp_"
	fingerprintSize   = 8
)

var (
	fingerprintedKeys = map[string]struct{}{
		"node_id":        {},
		"source_id":      {},
		"dest_id":        {},
		"pseudonym":      {},
		"message_id":     {},
		"correlation_id": {},
	}
	sensitiveKeyParts = []string{"key", "secret", "token", "master", "password"}

	defaultSanitizer = NewSanitizer(nil)
)

// Sanitizer rewrites log attributes. The fingerprint key is random when nil.
type Sanitizer struct {
	fpKey []byte
}

func NewSanitizer(fingerprintKey []byte) *Sanitizer {
	if len(fingerprintKey) == 0 {
		fingerprintKey = make([]byte, 32)
		if _, err := rand.Read(fingerprintKey); err != nil {
			fingerprintKey = []byte("privacylog-fallback-fingerprint")
		}
	}
	if len(fingerprintKey) > blake2b.Size {
		fingerprintKey = fingerprintKey[:blake2b.Size]
	}
	return &Sanitizer{fpKey: append([]byte(nil), fingerprintKey...)}
}

type SanitizingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

func WrapHandler(next slog.Handler) slog.Handler {
	return defaultSanitizer.WrapHandler(next)
}

func (s *Sanitizer) WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, sanitizer: s}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.sanitizer.SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(h.sanitizer.sanitizeAttrs(attrs)), sanitizer: h.sanitizer}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), sanitizer: h.sanitizer}
}

func (s *Sanitizer) SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case shouldFingerprint(lowerKey):
		return slog.String(key+"_fp", s.Fingerprint(valueToString(attr.Value.Resolve())))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(s.sanitizeAttrs(attr.Value.Group())...)}
	default:
		return attr
	}
}

// Fingerprint returns "fp_" and 16 hex chars of a keyed BLAKE2b digest, or
// "" for blank input.
func (s *Sanitizer) Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	h, err := blake2b.New256(s.fpKey)
	if err != nil {
		return redactedValue
	}
	h.Write([]byte(trimmed))
	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil)[:fingerprintSize])
}

func FingerprintID(value string) string {
	return defaultSanitizer.Fingerprint(value)
}

func (s *Sanitizer) sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, s.SanitizeAttr(attr))
	}
	return out
}

func shouldFingerprint(key string) bool {
	if strings.HasSuffix(key, "_fp") {
		return false
	}
	_, ok := fingerprintedKeys[key]
	return ok
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	default:
		return fmt.Sprint(v.Any())
	}
}
