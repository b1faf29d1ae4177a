// Package presence tracks which users are active in a document
// session and derives each one's stable display color.
package presence

import (
	"sort"
	"time"

	"collaborative-report-sync/protocol"
)

// User is one live participant, including the locally derived display
// color that never travels on the wire.
type User struct {
	ID         string
	Name       string
	Email      string
	Color      string
	LastActive time.Time
}

// Tracker keeps the active-user set of a single document session. It
// is not safe for concurrent use; the owning session serializes all
// access to it.
type Tracker struct {
	users map[string]*User
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*User), now: time.Now}
}

// Join adds a user or refreshes an existing one, reporting whether
// they were newly added.
func (t *Tracker) Join(id, name, email string) (User, bool) {
	if u, ok := t.users[id]; ok {
		u.LastActive = t.now()
		if name != "" {
			u.Name = name
		}
		if email != "" {
			u.Email = email
		}
		return *u, false
	}
	u := &User{
		ID:         id,
		Name:       name,
		Email:      email,
		Color:      ColorFor(id),
		LastActive: t.now(),
	}
	t.users[id] = u
	return *u, true
}

// Leave removes a user, reporting whether they were present.
func (t *Tracker) Leave(id string) (User, bool) {
	u, ok := t.users[id]
	if !ok {
		return User{}, false
	}
	delete(t.users, id)
	return *u, true
}

// Touch refreshes the last-activity time of a known user. Unknown ids
// are ignored; the next relay snapshot reconciles them.
func (t *Tracker) Touch(id string) bool {
	u, ok := t.users[id]
	if !ok {
		return false
	}
	u.LastActive = t.now()
	return true
}

// Replace swaps the entire active set for a relay snapshot.
func (t *Tracker) Replace(users []protocol.ActiveUser) {
	next := make(map[string]*User, len(users))
	for _, au := range users {
		u := &User{
			ID:         au.UserID,
			Name:       au.Name,
			Email:      au.Email,
			Color:      ColorFor(au.UserID),
			LastActive: au.LastActive,
		}
		if u.LastActive.IsZero() {
			u.LastActive = t.now()
		}
		next[au.UserID] = u
	}
	t.users = next
}

// Sweep removes users idle for longer than maxIdle and returns them
// sorted by id.
func (t *Tracker) Sweep(maxIdle time.Duration) []User {
	cutoff := t.now().Add(-maxIdle)
	var expired []User
	for id, u := range t.users {
		if u.LastActive.Before(cutoff) {
			expired = append(expired, *u)
			delete(t.users, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Get returns a copy of one user's entry.
func (t *Tracker) Get(id string) (User, bool) {
	u, ok := t.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Users returns the active set sorted by user id.
func (t *Tracker) Users() []User {
	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) Len() int { return len(t.users) }
