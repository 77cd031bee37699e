// Package secure implements the session cryptography of the Miniserver
// command channel: AES-256-CBC command encryption with rotating salts, the
// RSA key exchange and the hashing helpers used by token authentication.
package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Salt rotation thresholds
const (
	MaxSaltUsage = 20
	MaxSaltAge   = 30 * time.Second

	// EncryptedPrefix is the command every encrypted payload is wrapped in
	EncryptedPrefix = "jdev/sys/enc/"

	saltBytes = 16
	keyBytes  = 32
)

// Session holds the per-connection AES key material and salt state. It is
// safe for concurrent use.
type Session struct {
	mu sync.Mutex

	key []byte
	iv  []byte

	salt      string
	usage     int
	rotatedAt time.Time

	now    func() time.Time
	random io.Reader
}

// Option configures a Session
type Option func(*Session)

// WithClock overrides the time source used for salt expiry
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithRandom overrides the randomness source for keys and salts
func WithRandom(r io.Reader) Option {
	return func(s *Session) { s.random = r }
}

// NewSession generates a fresh AES key, IV and initial salt
func NewSession(opts ...Option) (*Session, error) {
	s := &Session{
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.key = make([]byte, keyBytes)
	s.iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(s.random, s.key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	if _, err := io.ReadFull(s.random, s.iv); err != nil {
		return nil, fmt.Errorf("generating session iv: %w", err)
	}

	salt, err := s.newSalt()
	if err != nil {
		return nil, err
	}
	s.salt = salt
	s.rotatedAt = s.now()
	return s, nil
}

func (s *Session) newSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Salt returns the current salt
func (s *Session) Salt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salt
}

// EncryptCommand encrypts plain and returns the wire command
// jdev/sys/enc/<payload>. The salt rotates once MaxSaltUsage commands were
// encrypted with it or MaxSaltAge has passed since the last rotation; the
// rotating command carries both salts.
func (s *Session) EncryptCommand(plain string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var saltPart string
	if s.usage >= MaxSaltUsage || now.Sub(s.rotatedAt) >= MaxSaltAge {
		next, err := s.newSalt()
		if err != nil {
			return "", err
		}
		saltPart = "nextSalt/" + s.salt + "/" + next
		s.salt = next
		s.usage = 1
		s.rotatedAt = now
	} else {
		saltPart = "salt/" + s.salt
		s.usage++
	}

	enc, err := s.encrypt(saltPart + "/" + plain)
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + url.QueryEscape(enc), nil
}

func (s *Session) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	data := pkcs7Pad([]byte(plaintext+"\x00"), aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, s.iv).CryptBlocks(out, data)
	return base64.StdEncoding.EncodeToString(out), nil
}

// KeyExchangePayload RSA-encrypts hex(key):hex(iv) with the server's
// public key and returns it base64 encoded.
func (s *Session) KeyExchangePayload(pub *rsa.PublicKey) (string, error) {
	plain := hex.EncodeToString(s.key) + ":" + hex.EncodeToString(s.iv)
	enc, err := rsa.EncryptPKCS1v15(s.random, pub, []byte(plain))
	if err != nil {
		return "", fmt.Errorf("encrypting session key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

// Decrypt reverses EncryptCommand given the session key and IV. The wire
// command may be query-escaped or not. Padding and the trailing NUL are
// removed.
func Decrypt(key, iv []byte, wire string) (string, error) {
	payload := strings.TrimPrefix(wire, EncryptedPrefix)
	if unescaped, err := url.QueryUnescape(payload); err == nil {
		payload = unescaped
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("payload length %d is not a multiple of the block size", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	out, err = pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(out, 0); i >= 0 {
		out = out[:i]
	}
	return string(out), nil
}

// ParseKeyExchange splits the hex(key):hex(iv) plaintext of a key exchange
func ParseKeyExchange(plain string) (key, iv []byte, err error) {
	k, i, ok := strings.Cut(plain, ":")
	if !ok {
		return nil, nil, fmt.Errorf("key exchange payload has no separator")
	}
	if key, err = hex.DecodeString(k); err != nil {
		return nil, nil, fmt.Errorf("decoding key: %w", err)
	}
	if iv, err = hex.DecodeString(i); err != nil {
		return nil, nil, fmt.Errorf("decoding iv: %w", err)
	}
	return key, iv, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
