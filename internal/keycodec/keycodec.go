// Package keycodec encodes and validates human-readable license keys.
//
// A key is 25 symbols from a 32-symbol alphabet, shown as five hyphenated
// groups: twenty payload symbols followed by a five-symbol checksum derived
// from the CRC-32 of the payload text. The checksum only catches typos; it
// is not a security boundary.
package keycodec

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
)

const (
	// Alphabet omits 0, O, 1 and I.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	PayloadLen  = 20
	ChecksumLen = 5
	KeyLen      = PayloadLen + ChecksumLen
	GroupLen    = 5

	// MaxBatch bounds GenerateMany.
	MaxBatch = 5

	randomBytes  = 15
	bindingBytes = 5
)

var encoding = base32.NewEncoding(Alphabet).WithPadding(base32.NoPadding)

// Generator produces keys from an entropy source.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a generator reading from r. A nil r means crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{entropy: r}
}

var defaultGenerator = NewGenerator(nil)

// GenerateKey returns a new formatted key using crypto/rand.
func GenerateKey(productID string) (string, error) {
	return defaultGenerator.GenerateKey(productID)
}

// GenerateMany returns count distinct keys using crypto/rand.
func GenerateMany(productID string, count int) ([]string, error) {
	return defaultGenerator.GenerateMany(productID, count)
}

// GenerateKey draws 120 random bits, appends the product binding bytes and
// encodes the result into a checksummed key.
//
// The binding is the last five bytes of productID. It is obscurity only: after
// truncation to twenty symbols the payload carries the first 100 bits of the
// random part, and uniqueness must never be assumed from the binding.
func (g *Generator) GenerateKey(productID string) (string, error) {
	raw := make([]byte, randomBytes+bindingBytes)
	if _, err := io.ReadFull(g.entropy, raw[:randomBytes]); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	copy(raw[randomBytes:], productBinding(productID))

	payload := fitPayload(encoding.EncodeToString(raw))
	return Format(payload + Checksum(payload)), nil
}

// GenerateMany repeats GenerateKey until count distinct keys exist.
func (g *Generator) GenerateMany(productID string, count int) ([]string, error) {
	if count < 1 || count > MaxBatch {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "keycodec.GenerateMany",
			"La cantidad debe estar entre 1 y %d", MaxBatch)
	}

	seen := make(map[string]struct{}, count)
	keys := make([]string, 0, count)
	for attempts := 0; len(keys) < count; attempts++ {
		if attempts >= count*10 {
			return nil, fmt.Errorf("generate %d distinct keys: entropy source keeps repeating", count)
		}
		key, err := g.GenerateKey(productID)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

// IsValidKey checks shape, alphabet and checksum. Hyphens and ASCII case are
// ignored; anything else outside the alphabet fails.
func IsValidKey(text string) bool {
	key := Normalize(text)
	if len(key) != KeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(Alphabet, key[i]) < 0 {
			return false
		}
	}
	payload, suffix := key[:PayloadLen], key[PayloadLen:]
	return Checksum(payload) == suffix
}

// Checksum renders the CRC-32 of payload as its 4 big-endian bytes, encodes
// them over the alphabet and keeps the first five symbols.
func Checksum(payload string) string {
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE([]byte(payload)))
	return encoding.EncodeToString(sum[:])[:ChecksumLen]
}

// Normalize strips hyphens and uppercases ASCII letters. Other bytes are left
// as they are so the alphabet check still sees them.
func Normalize(text string) string {
	b := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '-':
			continue
		case 'a' <= c && c <= 'z':
			c -= 'a' - 'A'
		}
		b = append(b, c)
	}
	return string(b)
}

// Format inserts a hyphen every five symbols.
func Format(key string) string {
	var b strings.Builder
	b.Grow(len(key) + len(key)/GroupLen)
	for i := 0; i < len(key); i += GroupLen {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + GroupLen
		if end > len(key) {
			end = len(key)
		}
		b.WriteString(key[i:end])
	}
	return b.String()
}

func productBinding(productID string) []byte {
	out := make([]byte, bindingBytes)
	src := []byte(productID)
	if len(src) > bindingBytes {
		src = src[len(src)-bindingBytes:]
	}
	copy(out[bindingBytes-len(src):], src)
	return out
}

func fitPayload(encoded string) string {
	if len(encoded) >= PayloadLen {
		return encoded[:PayloadLen]
	}
	return encoded + strings.Repeat(Alphabet[:1], PayloadLen-len(encoded))
}
