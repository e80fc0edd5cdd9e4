// Package ladder manages per-concept depth ladders: an ordered sequence of
// levels from introduction to expert, each with its own complexity, cached
// independently and materialized on demand through a generator. Navigation
// (deeper, simpler, ELI5, expert) is gated by a prerequisite graph and a
// progression predicate over user feedback.
package ladder

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/cache"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// Generator materializes one artifact. The orchestrator passes the
// admission-wrapped router here.
type Generator interface {
	Generate(ctx context.Context, req core.ContentRequest) (core.Artifact, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req core.ContentRequest) (core.Artifact, error)

func (f GeneratorFunc) Generate(ctx context.Context, req core.ContentRequest) (core.Artifact, error) {
	return f(ctx, req)
}

// KnowledgeLookup resolves the knowledge set of an originator. A nil lookup
// (or a nil set) disables prerequisite gating.
type KnowledgeLookup func(originator string) KnowledgeSet

// Options configures a Ladder. Cache and Generate are required.
type Options struct {
	Cache           *cache.Cache
	Generate        Generator
	Graph           *Graph
	Knowledge       KnowledgeLookup
	Emitter         events.Emitter
	MaxLevels       int  // default 5
	DisableClamping bool // out-of-range levels fail instead of clamping
}

// conceptState is the per-concept ladder record.
type conceptState struct {
	levels    []Level
	current   int
	preferred map[string]int
}

// Ladder owns every concept's level registry and navigation state.
type Ladder struct {
	opts    Options
	emitter events.Emitter

	mu       sync.Mutex
	concepts map[string]*conceptState
}

// Outcome is the result of a content operation: either an artifact, or a
// learning path when required prerequisites are missing.
type Outcome struct {
	Artifact core.Artifact
	Path     *LearningPath
}

// Gated reports whether prerequisite gating replaced the artifact.
func (o Outcome) Gated() bool { return o.Path != nil }

// New builds a Ladder.
func New(opts Options) (*Ladder, error) {
	if opts.Cache == nil {
		return nil, core.NewError(core.ErrValidation, "ladder requires a cache")
	}
	if opts.Generate == nil {
		return nil, core.NewError(core.ErrValidation, "ladder requires a generator")
	}
	if opts.MaxLevels <= 0 {
		opts.MaxLevels = DefaultMaxLevels
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}
	return &Ladder{
		opts:     opts,
		emitter:  opts.Emitter,
		concepts: make(map[string]*conceptState),
	}, nil
}

// Init creates the ladder for a concept if absent. Idempotent; an existing
// ladder keeps its state.
func (l *Ladder) Init(concept string, initialLevel, maxLevels int) {
	if maxLevels <= 0 {
		maxLevels = l.opts.MaxLevels
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.concepts[concept]; ok {
		return
	}
	if initialLevel < 0 {
		initialLevel = 0
	}
	if initialLevel > maxLevels-1 {
		initialLevel = maxLevels - 1
	}
	l.concepts[concept] = &conceptState{
		levels:    defaultLevels(maxLevels),
		current:   initialLevel,
		preferred: make(map[string]int),
	}
}

// Levels returns a copy of the concept's level registry, initializing the
// ladder when absent.
func (l *Ladder) Levels(concept string) []Level {
	st := l.state(concept)
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Level(nil), st.levels...)
}

// CurrentLevel returns the concept's current depth.
func (l *Ladder) CurrentLevel(concept string) int {
	st := l.state(concept)
	l.mu.Lock()
	defer l.mu.Unlock()
	return st.current
}

// MaxLevel returns the highest level index of the concept's ladder.
func (l *Ladder) MaxLevel(concept string) int {
	st := l.state(concept)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(st.levels) - 1
}

// ContentAt returns the artifact for the concept at the given level,
// clamping the level into range unless clamping is disabled. A level-0
// request with missing required prerequisites returns a learning path
// instead. Serving content updates the ladder's current level and the
// originator's preferred depth.
func (l *Ladder) ContentAt(ctx context.Context, concept string, level int, modality, originator string) (Outcome, error) {
	st := l.state(concept)

	l.mu.Lock()
	maxLevel := len(st.levels) - 1
	if level < 0 || level > maxLevel {
		if l.opts.DisableClamping {
			l.mu.Unlock()
			return Outcome{}, core.Errorf(core.ErrNoContentAtDepth, "concept %q has no level %d", concept, level).
				With("concept", concept).
				With("level", level).
				With("maxLevel", maxLevel)
		}
		if level < 0 {
			level = 0
		} else {
			level = maxLevel
		}
	}
	lvl := st.levels[level]
	l.mu.Unlock()

	if level == 0 {
		if path := l.gate(concept, originator); path != nil {
			l.emitter.Emit("depth_gated", map[string]any{
				"concept": concept,
				"steps":   len(path.Steps),
			})
			return Outcome{Path: path}, nil
		}
	}

	artifact, err := l.materialize(ctx, concept, lvl, modality, originator)
	if err != nil {
		return Outcome{}, err
	}

	l.mu.Lock()
	st.current = level
	st.preferred[originatorKey(originator)] = level
	l.mu.Unlock()

	l.emitter.Emit("depth_content_served", map[string]any{
		"concept": concept,
		"level":   level,
	})
	return Outcome{Artifact: artifact}, nil
}

// Deeper advances one level and returns its artifact, or nil at the ceiling.
func (l *Ladder) Deeper(ctx context.Context, concept, modality, originator string) (*Outcome, error) {
	st := l.state(concept)
	l.mu.Lock()
	next := st.current + 1
	ceiling := next > len(st.levels)-1
	l.mu.Unlock()
	if ceiling {
		return nil, nil
	}
	out, err := l.ContentAt(ctx, concept, next, modality, originator)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Simpler steps one level down and returns its artifact, or nil at the
// floor.
func (l *Ladder) Simpler(ctx context.Context, concept, modality, originator string) (*Outcome, error) {
	st := l.state(concept)
	l.mu.Lock()
	next := st.current - 1
	floor := next < 0
	l.mu.Unlock()
	if floor {
		return nil, nil
	}
	out, err := l.ContentAt(ctx, concept, next, modality, originator)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ELI5 returns the level-0 artifact augmented with a simplified narration
// marker. Modality defaults to animation.
func (l *Ladder) ELI5(ctx context.Context, concept, modality string) (Outcome, error) {
	if modality == "" {
		modality = "animation"
	}
	out, err := l.ContentAt(ctx, concept, 0, modality, "")
	if err != nil || out.Gated() {
		return out, err
	}
	out.Artifact = out.Artifact.WithAnnotation("narration", "simplified")
	return out, nil
}

// Expert returns the top-level artifact.
func (l *Ladder) Expert(ctx context.Context, concept, modality string) (Outcome, error) {
	return l.ContentAt(ctx, concept, l.MaxLevel(concept), modality, "")
}

// Primer materializes a quick low-complexity primer for a prerequisite step.
// Primers are cached under their own key prefix and never touch the
// concept's navigation state.
func (l *Ladder) Primer(ctx context.Context, concept, modality, originator string) (core.Artifact, error) {
	key := cache.PrimerKey(concept, modality, originator)
	if artifact, ok := l.opts.Cache.Get(key); ok {
		return artifact, nil
	}
	artifact, err := l.opts.Generate.Generate(ctx, core.ContentRequest{
		Concept:    concept,
		Modality:   modality,
		Complexity: 1,
		Originator: originator,
		Primer:     true,
	})
	if err != nil {
		return core.Artifact{}, err
	}
	artifact = artifact.WithAnnotation("primer", "true")
	if err := l.opts.Cache.Put(key, artifact, 0); err != nil {
		return core.Artifact{}, err
	}
	l.emitter.Emit("primer_served", map[string]any{"concept": concept})
	return artifact, nil
}

// Signal is the small record driving the optimal-depth heuristic.
type Signal struct {
	ComplexityPreference int    // 1..10
	LearningSpeed        string // slow | normal | fast
	RelatedKnown         int
}

// SuggestOptimal maps a signal deterministically to a starting level in
// [0, maxLevel-1].
func (l *Ladder) SuggestOptimal(concept string, sig Signal) int {
	st := l.state(concept)
	l.mu.Lock()
	maxLevel := len(st.levels) - 1
	l.mu.Unlock()

	d := int(math.Round(float64(sig.ComplexityPreference) / 2))
	switch sig.LearningSpeed {
	case "fast":
		d++
	case "slow":
		d--
	}
	if sig.RelatedKnown > 0 {
		d++
	}
	if d < 0 {
		d = 0
	}
	if d > maxLevel-1 {
		d = maxLevel - 1
	}
	return d
}

// Feedback describes the originator's experience with the current level.
type Feedback struct {
	Modality   string
	TimeSpent  time.Duration
	Understood bool
	Rating     int // 1..5
}

// CanProgressDeeper applies the progression predicate: understood, rated at
// least 4, and time spent within half to three times the expected duration
// for the current level.
func (l *Ladder) CanProgressDeeper(concept string, fb Feedback) bool {
	st := l.state(concept)
	l.mu.Lock()
	current := st.current
	l.mu.Unlock()

	expected := time.Duration(float64(baseDuration(fb.Modality)) * (1 + 0.5*float64(current)))
	if !fb.Understood || fb.Rating < 4 {
		return false
	}
	return fb.TimeSpent >= expected/2 && fb.TimeSpent <= 3*expected
}

// PreferredDepth returns the last depth served to the originator, or the
// concept's current level when the originator is unknown.
func (l *Ladder) PreferredDepth(concept, originator string) int {
	st := l.state(concept)
	l.mu.Lock()
	defer l.mu.Unlock()
	if depth, ok := st.preferred[originatorKey(originator)]; ok {
		return depth
	}
	return st.current
}

// state returns the concept's ladder, creating it with defaults when absent.
func (l *Ladder) state(concept string) *conceptState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.concepts[concept]
	if !ok {
		st = &conceptState{
			levels:    defaultLevels(l.opts.MaxLevels),
			current:   1,
			preferred: make(map[string]int),
		}
		l.concepts[concept] = st
	}
	return st
}

// gate checks required prerequisites for a level-0 request.
func (l *Ladder) gate(concept, originator string) *LearningPath {
	if l.opts.Graph == nil || l.opts.Knowledge == nil {
		return nil
	}
	known := l.opts.Knowledge(originatorKey(originator))
	return missingPath(l.opts.Graph, concept, known)
}

// materialize serves one level artifact from cache or the generator.
func (l *Ladder) materialize(ctx context.Context, concept string, lvl Level, modality, originator string) (core.Artifact, error) {
	key := cache.Key(concept, modality, lvl.Complexity, originator, lvl.Index)
	if artifact, ok := l.opts.Cache.Get(key); ok {
		return artifact, nil
	}
	artifact, err := l.opts.Generate.Generate(ctx, core.ContentRequest{
		Concept:    concept,
		Modality:   modality,
		Complexity: lvl.Complexity,
		Originator: originator,
		Depth:      lvl.Index,
	})
	if err != nil {
		return core.Artifact{}, err
	}
	if err := l.opts.Cache.Put(key, artifact, 0); err != nil {
		return core.Artifact{}, err
	}
	return artifact, nil
}

func originatorKey(originator string) string {
	if originator == "" {
		return core.AnonymousOriginator
	}
	return originator
}
