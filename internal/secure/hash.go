package secure

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// HashAlg is a digest algorithm announced by the Miniserver in getkey2
type HashAlg string

const (
	SHA1   HashAlg = "SHA1"
	SHA256 HashAlg = "SHA256"
)

// ParseHashAlg maps the server's hashAlg field. Anything unknown or empty
// falls back to SHA256.
func ParseHashAlg(s string) HashAlg {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "")) {
	case "SHA1":
		return SHA1
	default:
		return SHA256
	}
}

func (a HashAlg) new() func() hash.Hash {
	if a == SHA1 {
		return sha1.New
	}
	return sha256.New
}

// Hash returns the lowercase hex digest of payload
func Hash(payload string, alg HashAlg) string {
	h := alg.new()()
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// HMAC returns the lowercase hex HMAC of payload keyed with key
func HMAC(payload string, key []byte, alg HashAlg) string {
	h := hmac.New(alg.new(), key)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
