package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mutation ids are "<12 hex millis><4 hex sequence>-<8 hex random>". The
// fixed-width lowercase prefix makes lexical order equal generation order.
var mutationIDRegex = regexp.MustCompile(`^[0-9a-f]{16}-[0-9a-f]{8}$`)

const maxSequence = 0xffff

// MutationIDs generates strictly increasing mutation ids. The wall clock
// supplies the millisecond part; when it stalls or steps backwards the
// generator keeps counting from the last id it issued or observed.
type MutationIDs struct {
	mu     sync.Mutex
	now    func() time.Time
	lastMS int64
	seq    int64
}

// NewMutationIDs creates a generator. A nil now uses time.Now.
func NewMutationIDs(now func() time.Time) *MutationIDs {
	if now == nil {
		now = time.Now
	}
	return &MutationIDs{now: now}
}

// Next returns an id greater than every id previously issued or observed.
func (g *MutationIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	switch {
	case ms > g.lastMS:
		g.lastMS = ms
		g.seq = 0
	case g.seq < maxSequence:
		g.seq++
	default:
		g.lastMS++
		g.seq = 0
	}

	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%012x%04x-%s", g.lastMS, g.seq, suffix)
}

// Observe advances the generator past an id that already exists, typically
// the newest persisted mutation found on startup. Invalid ids are ignored.
func (g *MutationIDs) Observe(id string) {
	ms, seq, ok := parseMutationID(id)
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMS || (ms == g.lastMS && seq > g.seq) {
		g.lastMS = ms
		g.seq = seq
	}
}

// IsMutationID reports whether s has the mutation id shape.
func IsMutationID(s string) bool {
	return mutationIDRegex.MatchString(s)
}

// MutationTime extracts the generation time encoded in a mutation id.
func MutationTime(id string) (time.Time, bool) {
	ms, _, ok := parseMutationID(id)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func parseMutationID(id string) (ms int64, seq int64, ok bool) {
	if !IsMutationID(id) {
		return 0, 0, false
	}
	ms, err := strconv.ParseInt(id[:12], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseInt(id[12:16], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms, seq, true
}
