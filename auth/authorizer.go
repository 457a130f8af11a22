package auth

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Authorize checks requested against the path pattern of c, once the
// "*" segment of the pattern is replaced by taskID. A mismatch is a
// Deny, not an error. Only a malformed pattern is an error.
func Authorize(c *Claims, taskID string, requested string) (Decision, error) {
	if c == nil || c.Path == "" || taskID == "" {
		return Deny, nil
	}
	if !path.IsAbs(requested) || hasTraversal(requested) {
		return Deny, nil
	}
	pattern := substituteTaskID(c.Path, taskID)
	if !doublestar.ValidatePattern(pattern) {
		return Deny, fmt.Errorf("%w: malformed path claim %q", ErrUnauthorized, c.Path)
	}
	ok, err := doublestar.Match(pattern, path.Clean(requested))
	if err != nil {
		return Deny, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if ok {
		return Allow, nil
	}
	return Deny, nil
}

func hasTraversal(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// substituteTaskID replaces the first segment that is exactly "*".
func substituteTaskID(pattern, taskID string) string {
	segments := strings.Split(pattern, "/")
	for i, s := range segments {
		if s == "*" {
			segments[i] = taskID
			break
		}
	}
	return strings.Join(segments, "/")
}
