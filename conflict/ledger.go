// Package conflict accumulates colliding section edits into conflict
// records and settles them with a chosen resolution strategy.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"collaborative-report-sync/protocol"
)

var (
	// ErrAlreadyResolved is returned when a resolution is attempted on
	// a conflict that has already been settled. The first resolution
	// stands.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrUnknown is returned for conflict ids the ledger has never
	// seen.
	ErrUnknown = errors.New("unknown conflict")
)

// Ledger owns the conflicts of one document session. A section has at
// most one unresolved conflict at a time; further collisions fold
// into it instead of spawning duplicates. The ledger is not safe for
// concurrent use; the owning session serializes access.
type Ledger struct {
	byID  map[string]*protocol.Conflict
	open  map[string]string // section id -> unresolved conflict id
	order []string

	now   func() time.Time
	newID func() string
}

func NewLedger() *Ledger {
	return &Ledger{
		byID:  make(map[string]*protocol.Conflict),
		open:  make(map[string]string),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Record notes a collision on a section. If the section already has an
// unresolved conflict the changes fold into it; otherwise a new
// conflict is minted. A new conflict needs changes from at least two
// distinct users, so a lone edit can never be misfiled as a collision.
// The returned bool reports whether a conflict was newly created.
func (l *Ledger) Record(sectionID string, original json.RawMessage, changes ...protocol.Change) (protocol.Conflict, bool) {
	if id, ok := l.open[sectionID]; ok {
		c := l.byID[id]
		fold(c, changes)
		return snapshot(c), false
	}

	if distinctUsers(changes) < 2 {
		return protocol.Conflict{}, false
	}

	c := &protocol.Conflict{
		ID:              l.newID(),
		SectionID:       sectionID,
		Type:            protocol.ConflictSimultaneousEdit,
		OriginalContent: original,
	}
	fold(c, changes)
	l.byID[c.ID] = c
	l.open[sectionID] = c.ID
	l.order = append(l.order, c.ID)
	return snapshot(c), true
}

// Adopt folds a relay-minted conflict into the ledger. When the ledger
// already tracks an unresolved conflict for the same section under a
// locally minted id, the relay's id wins and the change sets are
// unioned, so every peer ends up referring to the collision by the
// same id.
func (l *Ledger) Adopt(in protocol.Conflict) protocol.Conflict {
	if cur, ok := l.byID[in.ID]; ok {
		fold(cur, in.Changes)
		return snapshot(cur)
	}

	c := clone(in)
	if openID, ok := l.open[in.SectionID]; ok && !in.Resolved {
		local := l.byID[openID]
		fold(c, local.Changes)
		if len(c.OriginalContent) == 0 {
			c.OriginalContent = local.OriginalContent
		}
		delete(l.byID, openID)
		for i, id := range l.order {
			if id == openID {
				l.order[i] = c.ID
				break
			}
		}
	} else {
		l.order = append(l.order, c.ID)
	}

	l.byID[c.ID] = c
	if !c.Resolved {
		l.open[c.SectionID] = c.ID
	}
	return snapshot(c)
}

// Resolve settles a conflict. The record stays in the ledger with its
// resolution fields filled in. Resolving twice returns
// ErrAlreadyResolved along with the untouched record.
func (l *Ledger) Resolve(id string, res protocol.Resolution, resolvedBy string, at time.Time) (protocol.Conflict, error) {
	c, ok := l.byID[id]
	if !ok {
		return protocol.Conflict{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if c.Resolved {
		return snapshot(c), ErrAlreadyResolved
	}
	if at.IsZero() {
		at = l.now()
	}
	c.Resolved = true
	c.Resolution = res
	c.ResolvedBy = resolvedBy
	t := at
	c.ResolvedAt = &t
	delete(l.open, c.SectionID)
	return snapshot(c), nil
}

// ResolveSection settles the unresolved conflict of a section. Peers
// that minted their own id for the same collision resolve through
// this path when the announced id is unknown to them.
func (l *Ledger) ResolveSection(sectionID string, res protocol.Resolution, resolvedBy string, at time.Time) (protocol.Conflict, error) {
	id, ok := l.open[sectionID]
	if !ok {
		return protocol.Conflict{}, fmt.Errorf("%w: no open conflict for section %s", ErrUnknown, sectionID)
	}
	return l.Resolve(id, res, resolvedBy, at)
}

// Open returns the unresolved conflict of a section, if any.
func (l *Ledger) Open(sectionID string) (protocol.Conflict, bool) {
	id, ok := l.open[sectionID]
	if !ok {
		return protocol.Conflict{}, false
	}
	return snapshot(l.byID[id]), true
}

// Get returns a conflict by id.
func (l *Ledger) Get(id string) (protocol.Conflict, bool) {
	c, ok := l.byID[id]
	if !ok {
		return protocol.Conflict{}, false
	}
	return snapshot(c), true
}

// Replace swaps all conflicts for a relay snapshot.
func (l *Ledger) Replace(conflicts []protocol.Conflict) {
	l.byID = make(map[string]*protocol.Conflict, len(conflicts))
	l.open = make(map[string]string)
	l.order = l.order[:0]
	for _, in := range conflicts {
		c := clone(in)
		l.byID[c.ID] = c
		l.order = append(l.order, c.ID)
		if !c.Resolved {
			l.open[c.SectionID] = c.ID
		}
	}
}

// Snapshot returns every conflict in creation order.
func (l *Ledger) Snapshot() []protocol.Conflict {
	out := make([]protocol.Conflict, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, snapshot(l.byID[id]))
	}
	return out
}

// Unresolved returns the open conflicts in creation order.
func (l *Ledger) Unresolved() []protocol.Conflict {
	var out []protocol.Conflict
	for _, id := range l.order {
		if c := l.byID[id]; !c.Resolved {
			out = append(out, snapshot(c))
		}
	}
	return out
}

func (l *Ledger) Len() int { return len(l.byID) }

// Latest picks the change with the newest timestamp, preferring the
// later entry on ties. Overwrite resolutions use it to select the
// winning content.
func Latest(changes []protocol.Change) (protocol.Change, bool) {
	if len(changes) == 0 {
		return protocol.Change{}, false
	}
	best := changes[0]
	for _, ch := range changes[1:] {
		if !ch.Timestamp.Before(best.Timestamp) {
			best = ch
		}
	}
	return best, true
}

// fold appends changes onto c, skipping entries already present and
// keeping the user list in order of first contribution.
func fold(c *protocol.Conflict, changes []protocol.Change) {
	seen := make(map[string]bool, len(c.Changes))
	for _, ch := range c.Changes {
		seen[changeKey(ch)] = true
	}
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		users[u] = true
	}
	for _, ch := range changes {
		if k := changeKey(ch); !seen[k] {
			seen[k] = true
			c.Changes = append(c.Changes, ch)
		}
		if ch.UserID != "" && !users[ch.UserID] {
			users[ch.UserID] = true
			c.Users = append(c.Users, ch.UserID)
		}
	}
}

func changeKey(ch protocol.Change) string {
	return ch.UserID + "|" + ch.Timestamp.UTC().Format(time.RFC3339Nano)
}

// distinctUsers counts the distinct non-empty user ids among changes.
func distinctUsers(changes []protocol.Change) int {
	seen := make(map[string]bool, len(changes))
	for _, ch := range changes {
		if ch.UserID != "" {
			seen[ch.UserID] = true
		}
	}
	return len(seen)
}

func clone(in protocol.Conflict) *protocol.Conflict {
	c := in
	c.Users = append([]string(nil), in.Users...)
	c.Changes = append([]protocol.Change(nil), in.Changes...)
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func snapshot(c *protocol.Conflict) protocol.Conflict {
	return *clone(*c)
}
