package presence

import "hash/fnv"

// palette holds the user badge colors of the editor UI.
var palette = [...]string{
	"#3b82f6",
	"#ef4444",
	"#10b981",
	"#f59e0b",
	"#8b5cf6",
	"#ec4899",
	"#14b8a6",
	"#f97316",
	"#6366f1",
	"#84cc16",
}

// ColorFor maps a user id onto the palette. The mapping is pure, so
// every peer shows the same color for a user without coordination.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
