package session

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces opaque identifiers for sessions and messages.
// Uniqueness is probabilistic: collisions only affect transcript grouping.
type Generator interface {
	NewID() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() string

func (f GeneratorFunc) NewID() string { return f() }

// TimeRandom combines a base-36 millisecond timestamp with two independent
// random components.
type TimeRandom struct {
	Now func() time.Time
}

// NewID implements Generator.
func (g TimeRandom) NewID() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	return strconv.FormatInt(now().UnixMilli(), 36) + randomComponent() + randomComponent()
}

// randomComponent returns the 122 random bits of a v4 UUID in base 36.
func randomComponent() string {
	id := uuid.New()
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
		lo = lo<<8 | uint64(id[i+8])
	}
	return strconv.FormatUint(hi, 36) + strconv.FormatUint(lo, 36)
}

// ULID produces lexically sortable ids with monotonic entropy.
type ULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULID returns a ULID generator seeded from the clock.
func NewULID() *ULID {
	source := rand.NewSource(time.Now().UnixNano())
	return &ULID{entropy: ulid.Monotonic(rand.New(source), 0)}
}

// NewID implements Generator.
func (g *ULID) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return strings.ToLower(id.String())
}

// Sequence returns prefix-1, prefix-2, ... and is meant for tests and replays.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence returns a deterministic generator.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID implements Generator.
func (g *Sequence) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
