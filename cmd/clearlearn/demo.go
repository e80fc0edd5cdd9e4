package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/ladder"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/orchestrator"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/router"
)

func newDemoCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted end-to-end tour with synthetic providers",
		Long: `Builds a core with two synthetic providers (one of them broken), a
static fallback rule and a small prerequisite graph, then walks the full
surface: bus routing, admitted generation, failover, depth navigation and
cache reuse. Output is deterministic apart from timings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

// syntheticProvider fabricates plausible content without any model behind it.
func syntheticProvider(name string) router.Generator {
	return router.GeneratorFunc(func(_ context.Context, req core.ContentRequest) (core.Artifact, error) {
		return core.Artifact{
			Concept:    req.Concept,
			Modality:   req.Modality,
			Complexity: req.Complexity,
			Content:    fmt.Sprintf("[%s] %s explained at complexity %d", name, req.Concept, req.Complexity),
			Provenance: core.Provenance{Provider: name, Model: name + "-demo"},
			CreatedAt:  time.Now(),
		}, nil
	})
}

func brokenProvider() router.Generator {
	return router.GeneratorFunc(func(_ context.Context, _ core.ContentRequest) (core.Artifact, error) {
		return core.Artifact{}, core.NewError(core.ErrProvider, "model endpoint unreachable")
	})
}

func runDemo(ctx context.Context, out io.Writer, cfg config.Config) error {
	rec := events.NewRecorder()
	c, err := orchestrator.New(cfg, orchestrator.Deps{
		Emitter: events.Fanout{events.Log{}, rec},
		Static: []router.StaticRule{
			{Match: "entropy", Content: "Entropy measures how spread out a system's possible states are."},
		},
		Graph: ladder.NewGraph(map[string][]ladder.Edge{
			"calculus": {
				{Prerequisite: "algebra", Required: true, EstimatedTime: 20 * time.Minute, Difficulty: 2},
				{Prerequisite: "functions", Required: true, EstimatedTime: 15 * time.Minute, Difficulty: 1},
			},
		}),
		Knowledge: func(string) ladder.KnowledgeSet {
			return ladder.KnowledgeFunc(func(concept string) bool { return concept == "algebra" })
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	// Rank 1 is broken on purpose so the failover path is visible.
	if err := c.Router().Register(router.Descriptor{Name: "primary", Enabled: true, Rank: 1}, brokenProvider()); err != nil {
		return err
	}
	if err := c.Router().Register(router.Descriptor{Name: "standby", Enabled: true, Rank: 2}, syntheticProvider("standby")); err != nil {
		return err
	}

	fmt.Fprintln(out, "== bus: point-to-point routing with priorities ==")
	received := make(chan string, 8)
	if _, err := c.Bus().Subscribe("tutor", func(_ context.Context, msg core.Message) error {
		received <- fmt.Sprintf("%s (%s)", msg.ID, msg.Priority)
		return nil
	}); err != nil {
		return err
	}
	for _, prio := range []core.Priority{core.PriorityLow, core.PriorityCritical, core.PriorityMedium} {
		if _, err := c.Bus().Route(ctx, core.Message{
			Sender:    "demo",
			Recipient: "tutor",
			Kind:      core.KindRequest,
			Priority:  prio,
			Payload:   map[string]any{"ask": "explain"},
		}); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case id := <-received:
			fmt.Fprintf(out, "  delivered %s\n", id)
		case <-time.After(2 * time.Second):
			return fmt.Errorf("bus delivery timed out")
		}
	}

	fmt.Fprintln(out, "== router: failover to the standby provider ==")
	artifact, err := c.Generate(ctx, core.ContentRequest{Concept: "recursion", Modality: "animation", Complexity: 3})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  %s  [provider=%s fallbacks=%d]\n", artifact.Content, artifact.Provenance.Provider, c.Router().FallbackCount())

	fmt.Fprintln(out, "== router: static fallback when every provider fails ==")
	if err := c.Router().SetEnabled("standby", false); err != nil {
		return err
	}
	artifact, err = c.Generate(ctx, core.ContentRequest{Concept: "entropy", Modality: "text", Complexity: 3})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  %q  [provider=%s]\n", artifact.Content, artifact.Provenance.Provider)
	if err := c.Router().SetEnabled("standby", true); err != nil {
		return err
	}

	fmt.Fprintln(out, "== ladder: gating, then depth navigation ==")
	outcome, err := c.Ladder().ContentAt(ctx, "calculus", 0, "animation", "learner-1")
	if err != nil {
		return err
	}
	if outcome.Gated() {
		steps := make([]string, 0, len(outcome.Path.Steps))
		for _, step := range outcome.Path.Steps {
			steps = append(steps, step.Concept)
		}
		fmt.Fprintf(out, "  gated on prerequisites: %s\n", strings.Join(steps, ", "))
	}
	outcome, err = c.Ladder().ContentAt(ctx, "recursion", 0, "animation", "learner-1")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  level 0: %s\n", outcome.Artifact.Content)
	deeper, err := c.Ladder().Deeper(ctx, "recursion", "animation", "learner-1")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  deeper:  %s\n", deeper.Artifact.Content)

	fmt.Fprintln(out, "== cache: the same request again is a pure hit ==")
	if _, err := c.Generate(ctx, core.ContentRequest{Concept: "recursion", Modality: "animation", Complexity: 3}); err != nil {
		return err
	}

	snap := c.Stats()
	fmt.Fprintln(out, "== summary ==")
	fmt.Fprintf(out, "  cache: %d entries, %d hits / %d misses (%.0f%% hit rate), %d bytes\n",
		snap.Cache.Entries, snap.Cache.Hits, snap.Cache.Misses, snap.Cache.HitRate*100, snap.Cache.TotalBytes)
	fmt.Fprintf(out, "  queue: %d tasks completed, %d failed\n", snap.Queue.Completed, snap.Queue.Failed)
	for _, p := range snap.Providers {
		fmt.Fprintf(out, "  provider %-8s rank=%d status=%-10s errors=%d\n", p.Name, p.Rank, p.Status, p.RecentErrors)
	}
	fmt.Fprintf(out, "  events recorded: %d\n", len(rec.Events()))
	return nil
}
