package model

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// UnknownResourceError reports a resource name that matched nothing.
// Suggestion is empty when no known type is close enough.
type UnknownResourceError struct {
	Input      string
	Suggestion ResourceType
}

func (e *UnknownResourceError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown resource %q, did you mean %q?", e.Input, e.Suggestion)
	}
	return fmt.Sprintf("unknown resource %q", e.Input)
}

// ParseResourceType accepts names case-insensitively.
func ParseResourceType(s string) (ResourceType, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	t := ResourceType(in)
	if t.Valid() {
		return t, nil
	}
	return "", &UnknownResourceError{Input: s, Suggestion: suggestResource(in)}
}

func suggestResource(in string) ResourceType {
	if len(in) < 3 {
		return ""
	}
	best := ResourceType("")
	bestDist := -1
	for _, t := range ResourceTypes {
		dist := levenshtein.ComputeDistance(in, string(t))
		if dist > levenshteinLimit(len(t)) {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = t, dist
		}
	}
	return best
}

func levenshteinLimit(length int) int {
	switch {
	case length <= 4:
		return 1
	case length <= 8:
		return 2
	default:
		return 3
	}
}
