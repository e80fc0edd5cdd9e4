package ladder

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// Warmup materializes level-0 artifacts for a concept and modality matrix in
// the background, smoothing the generation load through a shared rate
// limiter so cache warm-up cannot starve live traffic.
type Warmup struct {
	Ladder      *Ladder
	Concepts    []string
	Modalities  []string
	Limiter     *rate.Limiter // nil means unthrottled
	Parallelism int           // default 2
	Emitter     events.Emitter
}

// Result summarizes one warm-up run.
type Result struct {
	Materialized int `json:"materialized"`
	Gated        int `json:"gated"`
	Failed       int `json:"failed"`
}

// Run walks the matrix until done or ctx is cancelled. It is restartable;
// already-cached artifacts come back from the cache without a generator
// call.
func (w Warmup) Run(ctx context.Context) (Result, error) {
	emitter := w.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	parallelism := w.Parallelism
	if parallelism <= 0 {
		parallelism = 2
	}

	total := len(w.Concepts) * len(w.Modalities)
	emitter.Emit("warmup_started", map[string]any{"artifacts": total})

	var materialized, gated, failed counter
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, concept := range w.Concepts {
		for _, modality := range w.Modalities {
			concept, modality := concept, modality
			g.Go(func() error {
				if w.Limiter != nil {
					if err := w.Limiter.Wait(ctx); err != nil {
						return err
					}
				}
				out, err := w.Ladder.ContentAt(ctx, concept, 0, modality, "")
				switch {
				case err != nil:
					failed.inc()
					log.Warn().Str("concept", concept).Str("modality", modality).
						Err(err).Msg("warmup materialization failed")
				case out.Gated():
					gated.inc()
				default:
					materialized.inc()
					emitter.Emit("warmup_artifact", map[string]any{
						"concept":  concept,
						"modality": modality,
					})
				}
				return nil
			})
		}
	}
	err := g.Wait()

	res := Result{
		Materialized: materialized.get(),
		Gated:        gated.get(),
		Failed:       failed.get(),
	}
	emitter.Emit("warmup_done", map[string]any{
		"materialized": res.Materialized,
		"gated":        res.Gated,
		"failed":       res.Failed,
	})
	return res, err
}

type counter struct{ n atomic.Int64 }

func (c *counter) inc()     { c.n.Add(1) }
func (c *counter) get() int { return int(c.n.Load()) }
