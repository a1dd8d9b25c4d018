package credentials

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"v2x-privacy/go-backend/internal/crypto"
)

var (
	ErrEncryption        = errors.New("message encryption failed")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingAttribute  = errors.New("required attribute not held")
	ErrNoWrappingKey     = errors.New("no attribute key available for wrapping")
	ErrInvalidAttribute  = errors.New("attribute name contains a reserved separator")
)

const (
	bodySeparator    = '|'
	segmentSeparator = ';'
	keySeparator     = ':'
)

// WrappedKey is one header segment: the message key encrypted under the
// named attribute's key.
type WrappedKey struct {
	Attribute string
	Key       []byte
}

// Envelope is the parsed form of `header|IV||ciphertext`.
type Envelope struct {
	Header []WrappedKey
	Body   []byte
}

func (e Envelope) Bytes() []byte {
	var buf bytes.Buffer
	for _, wk := range e.Header {
		buf.WriteString(wk.Attribute)
		buf.WriteByte(keySeparator)
		buf.WriteString(hex.EncodeToString(wk.Key))
		buf.WriteByte(segmentSeparator)
	}
	buf.WriteByte(bodySeparator)
	buf.Write(e.Body)
	return buf.Bytes()
}

// SplitEnvelope separates header and body at the first '|'.
func SplitEnvelope(raw []byte) (header, body []byte, err error) {
	idx := bytes.IndexByte(raw, bodySeparator)
	if idx < 0 {
		return nil, nil, ErrMalformedEnvelope
	}
	return raw[:idx], raw[idx+1:], nil
}

func ParseEnvelope(raw []byte) (Envelope, error) {
	header, body, err := SplitEnvelope(raw)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Body: append([]byte(nil), body...)}
	for _, seg := range strings.Split(string(header), string(segmentSeparator)) {
		if seg == "" {
			continue
		}
		name, keyHex, ok := strings.Cut(seg, string(keySeparator))
		if !ok {
			return Envelope{}, fmt.Errorf("%w: header segment without key", ErrMalformedEnvelope)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: wrapped key for %q is not hex", ErrMalformedEnvelope, name)
		}
		env.Header = append(env.Header, WrappedKey{Attribute: name, Key: key})
	}
	return env, nil
}

func validateAttributeNames(names []string) error {
	for _, name := range names {
		if strings.ContainsAny(name, "|;:") {
			return fmt.Errorf("%w: %q", ErrInvalidAttribute, name)
		}
	}
	return nil
}

// EncryptMessage seals plaintext under a fresh message key and wraps that key
// once per required attribute. The wrapping key is the first attribute key of
// the lowest-numbered node in the store, whichever node that is. Use
// EncryptMessageFor when the destination must be able to open the envelope.
func (a *Authority) EncryptMessage(plaintext []byte, required []string) ([]byte, error) {
	if err := validateAttributeNames(required); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	msgKey, body, err := a.sealBody(plaintext)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(msgKey)

	env := Envelope{Body: body}
	if len(required) > 0 {
		a.mu.RLock()
		var wrapKey []byte
		if first, ok := a.firstNodeLocked(); ok && len(first.Attributes) > 0 {
			k := first.Attributes[0].Key
			wrapKey = k[:]
		}
		a.mu.RUnlock()
		if wrapKey == nil {
			a.logger.Warn("no wrapping key in credential store",
				"component", componentName,
				"operation", "encrypt_message",
			)
			return nil, fmt.Errorf("%w: %w", ErrEncryption, ErrNoWrappingKey)
		}
		for _, name := range required {
			wrapped, err := a.cipher.Encrypt(msgKey, wrapKey)
			if err != nil {
				return nil, fmt.Errorf("%w: wrap %q: %w", ErrEncryption, name, err)
			}
			env.Header = append(env.Header, WrappedKey{Attribute: name, Key: wrapped})
		}
	}
	return env.Bytes(), nil
}

// EncryptMessageFor is EncryptMessage with the wrapping keys taken from the
// recipient's own attribute keys, so OpenEnvelope can recover the body.
func (a *Authority) EncryptMessageFor(recipient int, plaintext []byte, required []string) ([]byte, error) {
	if err := validateAttributeNames(required); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	a.mu.RLock()
	creds, ok := a.nodes[recipient]
	if !ok {
		a.mu.RUnlock()
		return nil, ErrUnknownNode
	}
	wrapKeys := make([][]byte, 0, len(required))
	for _, name := range required {
		key, held := creds.attributeKey(name)
		if !held {
			a.mu.RUnlock()
			return nil, fmt.Errorf("%w: %q", ErrMissingAttribute, name)
		}
		wrapKeys = append(wrapKeys, append([]byte(nil), key...))
	}
	a.mu.RUnlock()
	defer func() {
		for _, k := range wrapKeys {
			crypto.ZeroBytes(k)
		}
	}()

	msgKey, body, err := a.sealBody(plaintext)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(msgKey)

	env := Envelope{Body: body}
	for i, name := range required {
		wrapped, err := a.cipher.Encrypt(msgKey, wrapKeys[i])
		if err != nil {
			return nil, fmt.Errorf("%w: wrap %q: %w", ErrEncryption, name, err)
		}
		env.Header = append(env.Header, WrappedKey{Attribute: name, Key: wrapped})
	}
	return env.Bytes(), nil
}

func (a *Authority) sealBody(plaintext []byte) (msgKey, body []byte, err error) {
	msgKey, err = a.cipher.GenerateKey(crypto.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: message key: %w", ErrEncryption, err)
	}
	body, err = a.cipher.Encrypt(plaintext, msgKey)
	if err != nil {
		crypto.ZeroBytes(msgKey)
		return nil, nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return msgKey, body, nil
}

// DecryptMessage decrypts the envelope body with the node's master key. The
// header is not consulted.
func (a *Authority) DecryptMessage(nodeID int, envelope []byte) ([]byte, error) {
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

	_, body, err := SplitEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	return a.cipher.Decrypt(body, master[:])
}

// OpenEnvelope recovers the message key from the first header segment whose
// attribute the node holds, then decrypts the body with it.
func (a *Authority) OpenEnvelope(nodeID int, envelope []byte) ([]byte, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	creds, ok := a.nodes[nodeID]
	if !ok {
		a.mu.RUnlock()
		return nil, ErrUnknownNode
	}
	var (
		wrapped []byte
		attrKey []byte
	)
	for _, wk := range env.Header {
		if key, held := creds.attributeKey(wk.Attribute); held {
			wrapped = wk.Key
			attrKey = append([]byte(nil), key...)
			break
		}
	}
	a.mu.RUnlock()
	if attrKey == nil {
		return nil, ErrMissingAttribute
	}
	defer crypto.ZeroBytes(attrKey)

	msgKey, err := a.cipher.Decrypt(wrapped, attrKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap message key: %w", err)
	}
	defer crypto.ZeroBytes(msgKey)
	return a.cipher.Decrypt(env.Body, msgKey)
}
