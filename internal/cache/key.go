package cache

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// segment lowercases one key segment and replaces whitespace runs with
// underscores.
func segment(s string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
}

// Key derives the canonical cache key for a depth-ladder artifact:
// concept:modality:complexity:originator:depth.
func Key(concept, modality string, complexity int, originator string, depth int) string {
	if originator == "" {
		originator = core.AnonymousOriginator
	}
	return fmt.Sprintf("%s:%s:%d:%s:%d", segment(concept), segment(modality), complexity, segment(originator), depth)
}

// ProviderKey derives the key for a raw provider artifact:
// llm:concept:modality:complexity.
func ProviderKey(concept, modality string, complexity int) string {
	return fmt.Sprintf("llm:%s:%s:%d", segment(concept), segment(modality), complexity)
}

// PrimerKey namespaces quick-primer artifacts away from the normal level-0
// entries.
func PrimerKey(concept, modality string, originator string) string {
	return "primer:" + Key(concept, modality, 1, originator, 0)
}
