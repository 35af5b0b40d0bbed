// Package sortid generates K-sortable run identifiers.
//
// spec §3/§6 requires run ids that are "sortable, monotonic per
// creator" and rendered externally as a 27-character base62 string
// prefixed "run_". No example repo in the reference corpus vendors a
// K-sortable id library (ksuid/ulid/xid do not appear anywhere in the
// pack); every repo that needs an id reaches for github.com/google/uuid,
// whose output is random rather than sortable. This package is the one
// component deliberately built on the standard library instead of a
// pack dependency, because no pack dependency can satisfy the
// sortability requirement — see DESIGN.md.
package sortid

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

const (
	// Prefix is prepended when an id is rendered externally.
	Prefix = "run_"

	base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	encodedLen     = 27 // 27 base62 digits hold the 16-byte (128-bit) value Generator.New encodes.
)

// Generator produces monotonic-per-process K-sortable ids: a
// millisecond timestamp component followed by random bits, so ids
// created later sort after ids created earlier even across processes,
// and ids created within the same millisecond by this generator are
// still strictly increasing.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	lastSeq  uint32
}

// NewGenerator returns a ready-to-use Generator. The zero value is also
// usable; NewGenerator exists for symmetry with the rest of the corpus's
// constructor style.
func NewGenerator() *Generator { return &Generator{} }

// defaultGenerator backs the package-level New function; the engine can
// still construct its own Generator per instance if isolation is
// desired (e.g. deterministic tests).
var defaultGenerator = NewGenerator()

// New generates a new run id using the package-level default generator.
func New() string { return defaultGenerator.New() }

// New generates a new K-sortable, 27-character raw id (no prefix). Callers
// that need the externally-visible form should call Render.
func (g *Generator) New() string {
	g.mu.Lock()
	ms := time.Now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs
		g.lastSeq++
	} else {
		g.lastMs = ms
		g.lastSeq = 0
	}
	seq := g.lastSeq
	g.mu.Unlock()

	var buf [16]byte
	// 6 bytes of millisecond timestamp (enough until year 10889).
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)
	// 2 bytes of monotonic sequence, guarding against clock collisions
	// within the same millisecond from this generator.
	buf[6] = byte(seq >> 8)
	buf[7] = byte(seq)
	// 8 bytes of randomness.
	if _, err := rand.Read(buf[8:]); err != nil {
		// crypto/rand failing is fatal for id uniqueness guarantees;
		// fall back to the timestamp/sequence alone rather than panic.
	}

	return encodeBase62(buf[:], encodedLen)
}

// Render prefixes a raw id with "run_" for external exposure.
func Render(raw string) string { return Prefix + raw }

// Strip removes the "run_" prefix if present, for accepting either form
// as input.
func Strip(id string) string {
	if len(id) > len(Prefix) && id[:len(Prefix)] == Prefix {
		return id[len(Prefix):]
	}
	return id
}

func encodeBase62(data []byte, width int) string {
	// Treat data as a big-endian unsigned integer and repeatedly divide
	// by 62, same approach base58/base62 encoders in the ecosystem use.
	num := make([]byte, len(data))
	copy(num, data)

	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		rem := 0
		for j := 0; j < len(num); j++ {
			cur := rem<<8 | int(num[j])
			num[j] = byte(cur / 62)
			rem = cur % 62
		}
		out[i] = base62Alphabet[rem]
	}
	return string(out)
}

// Valid reports whether s (without prefix) looks like an id this
// generator would produce: fixed-width base62.
func Valid(s string) bool {
	s = Strip(s)
	if len(s) != encodedLen {
		return false
	}
	for _, r := range s {
		if !isBase62(r) {
			return false
		}
	}
	return true
}

func isBase62(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}

// String is a convenience formatter used by call sites that log ids.
func String(raw string) string { return fmt.Sprintf("%s%s", Prefix, raw) }
