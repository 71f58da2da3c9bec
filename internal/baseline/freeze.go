// Package baseline enforces frozen fields, verifies snapshot hashes and reports drift
// between a captured baseline and the current plan.
package baseline

import (
	"fmt"
	"strings"

	"reflowline/internal/domain"
)

// FrozenFieldError is returned when an edit targets a path frozen by the active policy.
type FrozenFieldError struct {
	Path    string
	Pattern string
}

func (e *FrozenFieldError) Error() string {
	return fmt.Sprintf("cannot edit frozen field: %s", e.Path)
}

// MatchPattern reports whether a dotted path matches pattern. "*" stands for exactly one
// segment and both sides must have the same number of segments.
func MatchPattern(path, pattern string) bool {
	fields := strings.Split(path, ".")
	parts := strings.Split(pattern, ".")
	if len(fields) != len(parts) {
		return false
	}
	for i, p := range parts {
		if p != "*" && p != fields[i] {
			return false
		}
	}
	return true
}

func matchingPattern(path string, policy domain.FreezePolicy) (string, bool) {
	for _, pattern := range policy.FrozenFields {
		if MatchPattern(path, pattern) {
			return pattern, true
		}
	}
	return "", false
}

func IsFrozen(path string, policy domain.FreezePolicy) bool {
	_, ok := matchingPattern(path, policy)
	return ok
}

// AssertEditAllowed fails with *FrozenFieldError when path is frozen.
func AssertEditAllowed(path string, policy domain.FreezePolicy) error {
	if pattern, ok := matchingPattern(path, policy); ok {
		return &FrozenFieldError{Path: path, Pattern: pattern}
	}
	return nil
}
