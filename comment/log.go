// Package comment keeps the comment thread of a document session.
package comment

import (
	"time"

	"collaborative-report-sync/protocol"
)

// Log holds comments in arrival order, deduplicated by id so the
// sender's own broadcast echo never doubles an entry. It is not safe
// for concurrent use; the owning session serializes access.
type Log struct {
	index map[string]int
	list  []protocol.Comment
}

func NewLog() *Log {
	return &Log{index: make(map[string]int)}
}

// Add appends a comment and reports whether it was new.
func (l *Log) Add(c protocol.Comment) bool {
	if _, ok := l.index[c.ID]; ok {
		return false
	}
	l.index[c.ID] = len(l.list)
	l.list = append(l.list, c)
	return true
}

// Resolve marks a comment resolved. Unknown ids and already resolved
// comments report false; callers treat both as a no-op.
func (l *Log) Resolve(id, resolvedBy string, at time.Time) (protocol.Comment, bool) {
	i, ok := l.index[id]
	if !ok {
		return protocol.Comment{}, false
	}
	c := &l.list[i]
	if c.Resolved {
		return *c, false
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.Resolved = true
	c.ResolvedBy = resolvedBy
	t := at
	c.ResolvedAt = &t
	return *c, true
}

// Get returns a comment by id.
func (l *Log) Get(id string) (protocol.Comment, bool) {
	i, ok := l.index[id]
	if !ok {
		return protocol.Comment{}, false
	}
	return l.list[i], true
}

// Replace swaps the whole thread for a relay snapshot.
func (l *Log) Replace(comments []protocol.Comment) {
	l.index = make(map[string]int, len(comments))
	l.list = l.list[:0]
	for _, c := range comments {
		if _, ok := l.index[c.ID]; ok {
			continue
		}
		l.index[c.ID] = len(l.list)
		l.list = append(l.list, c)
	}
}

// Snapshot returns all comments in arrival order.
func (l *Log) Snapshot() []protocol.Comment {
	return append([]protocol.Comment(nil), l.list...)
}

// ForSection returns the comments anchored to one section, in arrival
// order.
func (l *Log) ForSection(sectionID string) []protocol.Comment {
	var out []protocol.Comment
	for _, c := range l.list {
		if c.SectionID == sectionID {
			out = append(out, c)
		}
	}
	return out
}

func (l *Log) Len() int { return len(l.list) }
