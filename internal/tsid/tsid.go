// Package tsid generates time-sorted identity tokens. The outbox adapters
// use them to tag worker claims so concurrent relays are distinguishable in
// the backing store.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

const (
	// Epoch: 2020-01-01T00:00:00Z
	epoch = 1577836800000

	timestampBits = 42
	randomBits    = 22

	// Crockford Base32 alphabet
	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var (
	generator     *Generator
	generatorOnce sync.Once
)

// Generator produces tokens. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	lastTime int64
	counter  uint32
}

// NewGenerator creates a token generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a new token from the package-level generator.
func Generate() string {
	generatorOnce.Do(func() {
		generator = NewGenerator()
	})
	return generator.Generate()
}

// Generate returns a 13-character Crockford Base32 token whose upper bits
// are the millisecond timestamp, so tokens sort by creation time.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epoch

	var randomBytes [4]byte
	rand.Read(randomBytes[:])
	random := binary.BigEndian.Uint32(randomBytes[:]) & ((1 << randomBits) - 1)

	// Same millisecond: fold a counter into the low bits for uniqueness.
	if now == g.lastTime {
		g.counter++
		random = (random &^ 0xFFFF) | (g.counter & 0xFFFF)
	} else {
		g.lastTime = now
		g.counter = 0
	}

	value := (uint64(now) << randomBits) | uint64(random)

	return encode(value)
}

// Timestamp extracts the creation time from a token.
func Timestamp(token string) (time.Time, error) {
	value, err := decode(token)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(value>>randomBits) + epoch), nil
}

func encode(value uint64) string {
	result := make([]byte, 13)
	for i := 12; i >= 0; i-- {
		result[i] = alphabet[value&0x1F]
		value >>= 5
	}
	return string(result)
}

func decode(s string) (uint64, error) {
	var result uint64
	for _, c := range s {
		idx := index(byte(c))
		if idx < 0 {
			return 0, ErrInvalidCharacter
		}
		result = result<<5 | uint64(idx)
	}
	return result, nil
}

// index returns the numeric value of a Crockford Base32 character, folding
// the usual aliases (I/L to 1, O to 0).
func index(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'H':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'h':
		return int(c - 'a' + 10)
	case c == 'I' || c == 'i' || c == 'L' || c == 'l':
		return 1
	case c == 'J' || c == 'K':
		return int(c - 'J' + 18)
	case c == 'j' || c == 'k':
		return int(c - 'j' + 18)
	case c == 'M' || c == 'N':
		return int(c - 'M' + 20)
	case c == 'm' || c == 'n':
		return int(c - 'm' + 20)
	case c == 'O' || c == 'o':
		return 0
	case c >= 'P' && c <= 'T':
		return int(c - 'P' + 22)
	case c >= 'p' && c <= 't':
		return int(c - 'p' + 22)
	case c == 'U' || c == 'u':
		return 27
	case c >= 'V' && c <= 'Z':
		return int(c - 'V' + 27)
	case c >= 'v' && c <= 'z':
		return int(c - 'v' + 27)
	default:
		return -1
	}
}

// ErrInvalidCharacterType reports a character outside the alphabet.
type ErrInvalidCharacterType struct{}

func (e ErrInvalidCharacterType) Error() string {
	return "invalid character in token"
}

var ErrInvalidCharacter = ErrInvalidCharacterType{}
