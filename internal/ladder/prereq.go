package ladder

import (
	"sort"
	"time"
)

// Edge links a concept to one prerequisite concept.
type Edge struct {
	Prerequisite  string        `json:"prerequisite"`
	Required      bool          `json:"required"`
	EstimatedTime time.Duration `json:"estimatedTime"`
	Difficulty    int           `json:"difficulty"`
}

// Graph holds the prerequisite edges for all concepts. It is loaded once at
// init and read-only afterwards.
type Graph struct {
	edges map[string][]Edge
}

// NewGraph copies the edge map into an immutable graph.
func NewGraph(edges map[string][]Edge) *Graph {
	copied := make(map[string][]Edge, len(edges))
	for concept, list := range edges {
		copied[concept] = append([]Edge(nil), list...)
	}
	return &Graph{edges: copied}
}

// PrerequisitesOf returns the edges of a concept, or nil.
func (g *Graph) PrerequisitesOf(concept string) []Edge {
	if g == nil {
		return nil
	}
	return g.edges[concept]
}

// KnowledgeSet answers whether the originator already knows a concept. It is
// supplied by the caller; the core never owns originator knowledge.
type KnowledgeSet interface {
	Knows(concept string) bool
}

// KnowledgeFunc adapts a function to the KnowledgeSet interface.
type KnowledgeFunc func(concept string) bool

func (f KnowledgeFunc) Knows(concept string) bool { return f(concept) }

// PathStep is one prerequisite the originator still has to cover.
type PathStep struct {
	Concept       string        `json:"concept"`
	Required      bool          `json:"required"`
	Difficulty    int           `json:"difficulty"`
	EstimatedTime time.Duration `json:"estimatedTime"`
}

// LearningPath is the ordered prerequisite sequence returned instead of a
// level-0 artifact when required prerequisites are missing: required steps
// first, then ascending difficulty, then ascending estimated time.
type LearningPath struct {
	Concept string     `json:"concept"`
	Steps   []PathStep `json:"steps"`
}

// missingPath collects the prerequisites the knowledge set does not cover.
// It returns nil when no required prerequisite is missing; optional gaps
// alone never gate.
func missingPath(g *Graph, concept string, known KnowledgeSet) *LearningPath {
	edges := g.PrerequisitesOf(concept)
	if len(edges) == 0 {
		return nil
	}

	var steps []PathStep
	requiredMissing := false
	for _, edge := range edges {
		if known != nil && known.Knows(edge.Prerequisite) {
			continue
		}
		if edge.Required {
			requiredMissing = true
		}
		steps = append(steps, PathStep{
			Concept:       edge.Prerequisite,
			Required:      edge.Required,
			Difficulty:    edge.Difficulty,
			EstimatedTime: edge.EstimatedTime,
		})
	}
	if !requiredMissing {
		return nil
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Required != steps[j].Required {
			return steps[i].Required
		}
		if steps[i].Difficulty != steps[j].Difficulty {
			return steps[i].Difficulty < steps[j].Difficulty
		}
		return steps[i].EstimatedTime < steps[j].EstimatedTime
	})
	return &LearningPath{Concept: concept, Steps: steps}
}
