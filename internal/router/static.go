package router

import (
	"strings"
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
)

// StaticRule maps a coarse concept match to a pre-written fallback artifact.
// Rules are checked in registration order; the first substring match wins.
type StaticRule struct {
	Match   string
	Content string
}

// staticFallback synthesizes a deterministic artifact when every provider
// failed. It returns false when no rule matches the request concept.
func staticFallback(rules []StaticRule, req core.ContentRequest) (core.Artifact, bool) {
	concept := strings.ToLower(req.Concept)
	for _, rule := range rules {
		if rule.Match == "" || !strings.Contains(concept, strings.ToLower(rule.Match)) {
			continue
		}
		return core.Artifact{
			Concept:    req.Concept,
			Modality:   req.Modality,
			Complexity: req.Complexity,
			Content:    rule.Content,
			Provenance: core.Provenance{Provider: core.StaticProvider},
			CreatedAt:  time.Now(),
		}, true
	}
	return core.Artifact{}, false
}
