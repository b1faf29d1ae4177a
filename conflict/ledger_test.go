package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-report-sync/protocol"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func change(user, content string, at time.Time) protocol.Change {
	return protocol.Change{UserID: user, Content: json.RawMessage(content), Timestamp: at}
}

func TestRecordCreatesOneConflictPerSection(t *testing.T) {
	l := NewLedger()

	c, created := l.Record("executive-summary", json.RawMessage(`"original"`),
		change("user-a", `"revenue grew 12%"`, base),
		change("user-b", `"revenue grew 8%"`, base.Add(time.Second)),
	)
	require.True(t, created)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, protocol.ConflictSimultaneousEdit, c.Type)
	assert.Equal(t, []string{"user-a", "user-b"}, c.Users)
	require.Len(t, c.Changes, 2)

	// A third colliding edit folds into the same conflict.
	c2, created := l.Record("executive-summary", nil,
		change("user-c", `"revenue flat"`, base.Add(2*time.Second)),
	)
	assert.False(t, created)
	assert.Equal(t, c.ID, c2.ID)
	assert.Len(t, c2.Changes, 3)
	assert.Equal(t, []string{"user-a", "user-b", "user-c"}, c2.Users)
	assert.Equal(t, 1, l.Len())
}

func TestRecordNeedsTwoDistinctUsers(t *testing.T) {
	l := NewLedger()

	_, created := l.Record("intro", nil, change("user-a", `"solo edit"`, base))
	assert.False(t, created)
	assert.Zero(t, l.Len())

	_, created = l.Record("intro", nil,
		change("user-a", `"one"`, base),
		change("user-a", `"two"`, base.Add(time.Second)),
	)
	assert.False(t, created, "edits by one user are not a collision")

	_, created = l.Record("intro", nil,
		change("user-a", `"one"`, base),
		change("", `"anonymous"`, base.Add(time.Second)),
	)
	assert.False(t, created, "a change without a user id does not count as a second author")
	assert.Zero(t, l.Len())
}

func TestRecordDeduplicatesChanges(t *testing.T) {
	l := NewLedger()
	a := change("user-a", `"x"`, base)
	b := change("user-b", `"y"`, base)

	l.Record("intro", nil, a, b)
	c, created := l.Record("intro", nil, b)

	assert.False(t, created)
	assert.Len(t, c.Changes, 2)
}

func TestResolveSettlesConflict(t *testing.T) {
	l := NewLedger()
	c, _ := l.Record("intro", nil,
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)

	at := base.Add(time.Minute)
	resolved, err := l.Resolve(c.ID, protocol.ResolutionOverwrite, "user-a", at)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, protocol.ResolutionOverwrite, resolved.Resolution)
	assert.Equal(t, "user-a", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, at, *resolved.ResolvedAt)

	_, open := l.Open("intro")
	assert.False(t, open)
	assert.Len(t, l.Unresolved(), 0)
	assert.Len(t, l.Snapshot(), 1, "resolved conflicts stay in the ledger")
}

func TestResolveTwiceKeepsFirstResolution(t *testing.T) {
	l := NewLedger()
	c, _ := l.Record("intro", nil,
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)

	_, err := l.Resolve(c.ID, protocol.ResolutionOverwrite, "user-a", base.Add(time.Minute))
	require.NoError(t, err)

	again, err := l.Resolve(c.ID, protocol.ResolutionManual, "user-b", base.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, protocol.ResolutionOverwrite, again.Resolution)
	assert.Equal(t, "user-a", again.ResolvedBy)
}

func TestResolveUnknownID(t *testing.T) {
	l := NewLedger()

	_, err := l.Resolve("nope", protocol.ResolutionManual, "user-a", base)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestResolveSectionFallback(t *testing.T) {
	l := NewLedger()
	c, _ := l.Record("intro", nil,
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)

	resolved, err := l.ResolveSection("intro", protocol.ResolutionMerge, "user-b", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, c.ID, resolved.ID)

	_, err = l.ResolveSection("intro", protocol.ResolutionMerge, "user-b", base.Add(time.Minute))
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestSectionCanConflictAgainAfterResolution(t *testing.T) {
	l := NewLedger()
	first, _ := l.Record("intro", nil,
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)
	_, err := l.Resolve(first.ID, protocol.ResolutionManual, "user-a", base.Add(time.Minute))
	require.NoError(t, err)

	second, created := l.Record("intro", nil,
		change("user-a", `"p"`, base.Add(time.Hour)),
		change("user-c", `"q"`, base.Add(time.Hour)),
	)
	require.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, l.Len())
}

func TestAdoptReplacesLocalID(t *testing.T) {
	l := NewLedger()
	local, _ := l.Record("intro", json.RawMessage(`"original"`),
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)

	adopted := l.Adopt(protocol.Conflict{
		ID:        "relay-1",
		SectionID: "intro",
		Type:      protocol.ConflictSimultaneousEdit,
		Users:     []string{"user-b", "user-c"},
		Changes: []protocol.Change{
			change("user-b", `"y"`, base),
			change("user-c", `"z"`, base.Add(time.Second)),
		},
	})

	assert.Equal(t, "relay-1", adopted.ID)
	assert.Len(t, adopted.Changes, 3, "local and relay changes union")
	assert.ElementsMatch(t, []string{"user-a", "user-b", "user-c"}, adopted.Users)
	assert.JSONEq(t, `"original"`, string(adopted.OriginalContent))

	_, known := l.Get(local.ID)
	assert.False(t, known, "locally minted id is superseded")
	open, ok := l.Open("intro")
	require.True(t, ok)
	assert.Equal(t, "relay-1", open.ID)
	assert.Equal(t, 1, l.Len())
}

func TestAdoptKnownIDFoldsChanges(t *testing.T) {
	l := NewLedger()
	l.Adopt(protocol.Conflict{
		ID: "relay-1", SectionID: "intro",
		Changes: []protocol.Change{change("user-a", `"x"`, base)},
		Users:   []string{"user-a"},
	})

	again := l.Adopt(protocol.Conflict{
		ID: "relay-1", SectionID: "intro",
		Changes: []protocol.Change{
			change("user-a", `"x"`, base),
			change("user-b", `"y"`, base.Add(time.Second)),
		},
		Users: []string{"user-a", "user-b"},
	})

	assert.Len(t, again.Changes, 2)
	assert.Equal(t, 1, l.Len())
}

func TestReplaceSwapsLedger(t *testing.T) {
	l := NewLedger()
	l.Record("intro", nil,
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)

	resolvedAt := base.Add(time.Hour)
	l.Replace([]protocol.Conflict{
		{ID: "c-1", SectionID: "findings", Resolved: true, Resolution: protocol.ResolutionManual, ResolvedAt: &resolvedAt},
		{ID: "c-2", SectionID: "summary"},
	})

	assert.Equal(t, 2, l.Len())
	_, ok := l.Open("intro")
	assert.False(t, ok)
	open, ok := l.Open("summary")
	require.True(t, ok)
	assert.Equal(t, "c-2", open.ID)
	assert.Len(t, l.Unresolved(), 1)
}

func TestLatestPrefersNewestThenLastArrival(t *testing.T) {
	_, ok := Latest(nil)
	assert.False(t, ok)

	newest, ok := Latest([]protocol.Change{
		change("user-a", `"old"`, base),
		change("user-b", `"new"`, base.Add(time.Second)),
		change("user-c", `"mid"`, base.Add(500*time.Millisecond)),
	})
	require.True(t, ok)
	assert.Equal(t, "user-b", newest.UserID)

	tied, _ := Latest([]protocol.Change{
		change("user-a", `"first"`, base),
		change("user-b", `"second"`, base),
	})
	assert.Equal(t, "user-b", tied.UserID, "ties go to the later arrival")
}

func TestSnapshotsAreCopies(t *testing.T) {
	l := NewLedger()
	l.Record("intro", nil,
		change("user-a", `"x"`, base),
		change("user-b", `"y"`, base),
	)

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Changes = append(snap[0].Changes, change("user-z", `"junk"`, base))
	snap[0].Users[0] = "mutated"

	fresh := l.Snapshot()
	assert.Len(t, fresh[0].Changes, 2)
	assert.Equal(t, "user-a", fresh[0].Users[0])
}
