// Package merge supplies content merge strategies for conflict
// resolution. Section content is opaque to the protocol, so a merge
// receives the raw competing payloads and decides what survives.
package merge

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Func combines the original content of a section with the competing
// changes, ordered oldest first. A returned error abandons the
// resolution attempt; no content is broadcast.
type Func func(original []byte, changes [][]byte) ([]byte, error)

var (
	// ErrNoChanges is returned when there is nothing to combine.
	ErrNoChanges = errors.New("merge: no changes to combine")

	// ErrNotText is returned by text strategies for content that is
	// not valid UTF-8.
	ErrNotText = errors.New("merge: content is not valid text")
)

// LastWriteWins returns the newest change untouched.
func LastWriteWins(_ []byte, changes [][]byte) ([]byte, error) {
	if len(changes) == 0 {
		return nil, ErrNoChanges
	}
	return changes[len(changes)-1], nil
}

// Lines performs a line-based three-way merge, folding each change in
// turn onto the original. Edits to different lines are both kept.
// Where two changes touched the same region, the later change wins.
func Lines(original []byte, changes [][]byte) ([]byte, error) {
	if len(changes) == 0 {
		return nil, ErrNoChanges
	}
	if !utf8.Valid(original) {
		return nil, ErrNotText
	}
	for _, ch := range changes {
		if !utf8.Valid(ch) {
			return nil, ErrNotText
		}
	}

	merged := changes[0]
	for _, next := range changes[1:] {
		merged = merge3(original, merged, next)
	}
	return merged, nil
}

// merge3 combines two descendants a and b of base. Each side is
// diffed against base; lines survive when neither side deleted them,
// and insertions from both sides are kept unless they land on the
// same anchor with different text, in which case b wins.
func merge3(base, a, b []byte) []byte {
	if string(a) == string(b) {
		return a
	}
	if string(a) == string(base) {
		return b
	}
	if string(b) == string(base) {
		return a
	}

	baseLines := strings.Split(string(base), "\n")
	da := diffLines(baseLines, strings.Split(string(a), "\n"))
	db := diffLines(baseLines, strings.Split(string(b), "\n"))

	var out []string
	for i := 0; i <= len(baseLines); i++ {
		insA, insB := da.inserts[i], db.inserts[i]
		switch {
		case len(insA) > 0 && len(insB) > 0:
			if equalLines(insA, insB) {
				out = append(out, insA...)
			} else {
				out = append(out, insB...)
			}
		case len(insA) > 0:
			out = append(out, insA...)
		case len(insB) > 0:
			out = append(out, insB...)
		}
		if i < len(baseLines) && da.kept[i] && db.kept[i] {
			out = append(out, baseLines[i])
		}
	}
	return []byte(strings.Join(out, "\n"))
}

// lineDiff describes how one revision relates to the base: which base
// lines it kept and which lines it inserted at which base index.
type lineDiff struct {
	kept    []bool
	inserts map[int][]string
}

func diffLines(base, next []string) lineDiff {
	n, m := len(base), len(next)

	// lcs[i][j] is the LCS length of base[i:] and next[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if base[i] == next[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	d := lineDiff{kept: make([]bool, n), inserts: make(map[int][]string)}
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case base[i] == next[j]:
			d.kept[i] = true
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			i++
		default:
			d.inserts[i] = append(d.inserts[i], next[j])
			j++
		}
	}
	for ; j < m; j++ {
		d.inserts[n] = append(d.inserts[n], next[j])
	}
	return d
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
