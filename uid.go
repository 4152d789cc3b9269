package mimo

import (
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// Identifier Generator
// ============================================================================

const fractionDigits = 10

// UIDGenerator issues identifiers that sort lexicographically in issue
// order: the base-36 wall clock in milliseconds followed by a base-36 random
// fraction. A candidate that does not sort after the previous identifier is
// discarded and regenerated. Safe for concurrent use.
type UIDGenerator struct {
	mu   sync.Mutex
	last string
	now  func() time.Time
	rnd  *rand.Rand
}

// NewUIDGenerator returns a generator backed by the system clock.
func NewUIDGenerator() *UIDGenerator {
	return newUIDGenerator(time.Now, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func newUIDGenerator(now func() time.Time, rnd *rand.Rand) *UIDGenerator {
	return &UIDGenerator{now: now, rnd: rnd}
}

// Next returns an identifier strictly greater than every one this generator
// has issued before.
func (g *UIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.candidate()
	for id <= g.last {
		id = g.candidate()
	}
	g.last = id
	return id
}

func (g *UIDGenerator) candidate() string {
	return strconv.FormatInt(g.now().UnixMilli(), 36) + base36Fraction(g.rnd.Float64())
}

// base36Fraction renders the digits of f in [0,1) after the radix point.
func base36Fraction(f float64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, fractionDigits)
	for i := range buf {
		f *= 36
		d := int(f)
		buf[i] = digits[d]
		f -= float64(d)
	}
	return string(buf)
}
