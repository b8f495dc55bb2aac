package chat

import (
	"path"
	"strings"
)

// DefaultRoom always exists on the relay and has no owner.
const DefaultRoom = "general"

// NormalizeRoom trims spaces, collapses repeated slashes and strips the
// leading slash. Names that clean to nothing come back empty.
func NormalizeRoom(room string) string {
	r := strings.TrimSpace(room)
	if r == "" {
		return ""
	}
	r = path.Clean("/" + r)
	return strings.TrimPrefix(r, "/")
}
