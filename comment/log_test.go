package comment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-report-sync/protocol"
)

var created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func note(id, section, author, text string) protocol.Comment {
	return protocol.Comment{
		ID:        id,
		SectionID: section,
		AuthorID:  author,
		Content:   text,
		CreatedAt: created,
	}
}

func TestAddDeduplicatesByID(t *testing.T) {
	l := NewLog()

	require.True(t, l.Add(note("c-1", "intro", "user-a", "needs a chart")))
	assert.False(t, l.Add(note("c-1", "intro", "user-a", "needs a chart")), "broadcast echo is dropped")
	assert.Equal(t, 1, l.Len())
}

func TestResolveMarksCommentOnce(t *testing.T) {
	l := NewLog()
	l.Add(note("c-1", "intro", "user-a", "needs a chart"))

	at := created.Add(time.Hour)
	c, ok := l.Resolve("c-1", "user-b", at)
	require.True(t, ok)
	assert.True(t, c.Resolved)
	assert.Equal(t, "user-b", c.ResolvedBy)
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, at, *c.ResolvedAt)

	again, ok := l.Resolve("c-1", "user-c", at.Add(time.Hour))
	assert.False(t, ok)
	assert.Equal(t, "user-b", again.ResolvedBy, "first resolution stands")
}

func TestResolveUnknownIsNoOp(t *testing.T) {
	l := NewLog()

	_, ok := l.Resolve("ghost", "user-a", created)
	assert.False(t, ok)
}

func TestSnapshotPreservesArrivalOrder(t *testing.T) {
	l := NewLog()
	l.Add(note("c-2", "intro", "user-a", "first"))
	l.Add(note("c-1", "findings", "user-b", "second"))
	l.Add(note("c-3", "intro", "user-a", "third"))

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"c-2", "c-1", "c-3"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	intro := l.ForSection("intro")
	require.Len(t, intro, 2)
	assert.Equal(t, "c-2", intro[0].ID)
	assert.Equal(t, "c-3", intro[1].ID)
}

func TestReplaceSwapsThread(t *testing.T) {
	l := NewLog()
	l.Add(note("c-1", "intro", "user-a", "stale"))

	l.Replace([]protocol.Comment{
		note("c-7", "summary", "user-b", "from snapshot"),
		note("c-8", "summary", "user-c", "also from snapshot"),
	})

	assert.Equal(t, 2, l.Len())
	_, ok := l.Get("c-1")
	assert.False(t, ok)
	got, ok := l.Get("c-7")
	require.True(t, ok)
	assert.Equal(t, "from snapshot", got.Content)
}
