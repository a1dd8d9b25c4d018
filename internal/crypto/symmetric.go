package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEntropy        = errors.New("random source unavailable")
	ErrCipherInit     = errors.New("cipher initialization failed")
	ErrCipherFinalize = errors.New("cipher finalization failed")
	ErrMalformedInput = errors.New("ciphertext shorter than iv")
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

// Cipher is the AES-256-CBC helper used for message bodies and key wrapping.
// Rand defaults to crypto/rand.
type Cipher struct {
	Rand io.Reader
}

var defaultCipher = &Cipher{}

func GenerateKey(length int) ([]byte, error) { return defaultCipher.GenerateKey(length) }

func Encrypt(plaintext, key []byte) ([]byte, error) { return defaultCipher.Encrypt(plaintext, key) }

func Decrypt(ivAndCiphertext, key []byte) ([]byte, error) {
	return defaultCipher.Decrypt(ivAndCiphertext, key)
}

func (c *Cipher) GenerateKey(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid key length %d", length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(c.reader(), out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return out, nil
}

// Encrypt returns IV || AES-256-CBC(PKCS#7(plaintext)). A fresh IV is drawn
// for every call.
func (c *Cipher) Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	iv, err := c.GenerateKey(IVSize)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, IVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)
	return out, nil
}

func (c *Cipher) Decrypt(ivAndCiphertext, key []byte) ([]byte, error) {
	if len(ivAndCiphertext) < IVSize {
		return nil, ErrMalformedInput
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	iv := ivAndCiphertext[:IVSize]
	body := ivAndCiphertext[IVSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrCipherFinalize, len(body))
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	out, err := unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cipher) reader() io.Reader {
	if c == nil || c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCipherInit, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipherInit, err)
	}
	return block, nil
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrCipherFinalize)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrCipherFinalize)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCipherFinalize)
		}
	}
	return b[:len(b)-n], nil
}

// ZeroBytes overwrites key material in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
