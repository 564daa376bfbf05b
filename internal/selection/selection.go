// Package selection picks the next token to hand out.
//
// The cursor is an arena position: the next candidate to consider, not
// necessarily the next one returned. Scanning starts there and wraps once.
// Among eligible candidates the least used wins, ties going to rotation order,
// which keeps usage counts within one of each other under uniform success.
package selection

import (
	"errors"
	"time"

	"github.com/wbh1/tokenpool/internal/store"
	"github.com/wbh1/tokenpool/pkg/models"
)

// ErrNoHealthyToken is returned when no token is eligible. Callers must treat
// it as backpressure and not retry in a loop.
var ErrNoHealthyToken = errors.New("no healthy token available")

// EligibleFunc decides whether a token can be handed out at now
type EligibleFunc func(token *models.Token, now time.Time) bool

// Choice is the selected token and its arena position
type Choice struct {
	Pos   int
	Token models.Token
}

// Policy holds the rotation cursor. It is not safe for concurrent use; the
// pool manager serializes calls.
type Policy struct {
	cursor int
}

// New creates a policy starting at the first slot
func New() *Policy {
	return &Policy{}
}

// Cursor returns the next candidate position
func (p *Policy) Cursor() int {
	return p.cursor
}

// SetCursor repositions the cursor, e.g. after the store was compacted
func (p *Policy) SetCursor(cursor int) {
	if cursor < 0 {
		cursor = 0
	}
	p.cursor = cursor
}

// SelectNext picks an eligible entry. entries must be ordered by position and
// slots is the arena size they were taken from.
func (p *Policy) SelectNext(entries []store.Entry, slots int, eligible EligibleFunc, now time.Time) (Choice, error) {
	if len(entries) == 0 || slots == 0 {
		return Choice{}, ErrNoHealthyToken
	}

	start := p.cursor % slots
	// First entry at or after the cursor; entries before it come last.
	first := len(entries)
	for i, entry := range entries {
		if entry.Pos >= start {
			first = i
			break
		}
	}

	best := -1
	for n := 0; n < len(entries); n++ {
		i := (first + n) % len(entries)
		if !eligible(&entries[i].Token, now) {
			continue
		}
		if best < 0 || entries[i].Token.UsageCount < entries[best].Token.UsageCount {
			best = i
		}
	}

	if best < 0 {
		return Choice{}, ErrNoHealthyToken
	}

	chosen := entries[best]
	p.cursor = (chosen.Pos + 1) % slots

	return Choice{Pos: chosen.Pos, Token: chosen.Token}, nil
}
