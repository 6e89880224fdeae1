package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spetr/mcp-recall/pkg/types"
)

// Migrate re-embeds every fact of one table with the target model into
// a staging collection, then swaps it in atomically. Any per-fact
// failure aborts the swap and leaves the old collection authoritative.
// Cancellation is honored between facts.
func (e *Engine) Migrate(ctx context.Context, table types.Table, toModel string) (*types.MigrationReport, error) {
	if !types.ValidTable(table) {
		return nil, fmt.Errorf("%w: unknown table %q", types.ErrInvalidTarget, table)
	}

	state, err := e.store.ActiveModel(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("active model for %s: %w", table, err)
	}
	if toModel == "" || toModel == state.ModelID {
		return nil, fmt.Errorf("%w: target model %q is already active on %s", types.ErrInvalidTarget, toModel, table)
	}

	embedder, err := e.resolver.Embedder(toModel)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve model %q: %v", types.ErrInvalidTarget, toModel, err)
	}
	dimension := embedder.Dimensions()
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: model %q reports dimension %d", types.ErrInvalidTarget, toModel, dimension)
	}

	start := time.Now()
	report := &types.MigrationReport{
		Table:     table,
		FromModel: state.ModelID,
		ToModel:   toModel,
	}

	facts, err := e.store.ListFacts(ctx, table, "", 0)
	if err != nil {
		return nil, fmt.Errorf("listing facts for migration: %w", err)
	}
	report.Total = len(facts)

	generation, err := e.store.BeginStaging(ctx, table, toModel, dimension)
	if err != nil {
		return nil, fmt.Errorf("staging collection: %w", err)
	}

	slog.Info("starting embedding migration",
		"table", table, "from", state.ModelID, "to", toModel, "facts", report.Total)

	for _, fact := range facts {
		// Cancellation is checked between facts so a partial run stops
		// cleanly with the old collection untouched.
		if ctx.Err() != nil {
			if dropErr := e.store.DropStaging(context.Background(), table, generation); dropErr != nil {
				slog.Warn("failed to drop staging after cancellation", "table", table, "error", dropErr)
			}
			report.Duration = time.Since(start).String()
			return report, fmt.Errorf("migration cancelled: %w", ctx.Err())
		}

		meta := fact.Meta()
		vectors, err := embedder.Embed(ctx, []string{fact.EmbeddingText()})
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, types.Failure{Ref: meta.ID, Error: err.Error()})
			continue
		}
		if len(vectors) != 1 || len(vectors[0]) != dimension {
			report.Failed++
			report.Failures = append(report.Failures, types.Failure{
				Ref:   meta.ID,
				Error: fmt.Sprintf("provider returned unexpected vector shape for model %s", toModel),
			})
			continue
		}

		entry := &types.VectorEntry{
			Ref:       meta.ID,
			Table:     table,
			Project:   meta.Project,
			ModelID:   toModel,
			Dimension: dimension,
			Excerpt:   excerptOf(fact.EmbeddingText()),
			Vector:    vectors[0],
		}
		if err := e.store.StageVector(ctx, table, generation, entry); err != nil {
			report.Failed++
			report.Failures = append(report.Failures, types.Failure{Ref: meta.ID, Error: err.Error()})
			continue
		}
		report.Succeeded++
	}

	report.Duration = time.Since(start).String()

	if report.Failed > 0 {
		if dropErr := e.store.DropStaging(ctx, table, generation); dropErr != nil {
			slog.Warn("failed to drop staging after partial migration", "table", table, "error", dropErr)
		}
		slog.Warn("migration finished with failures, keeping old collection",
			"table", table, "succeeded", report.Succeeded, "failed", report.Failed)
		return report, fmt.Errorf("%w: %d of %d facts failed", types.ErrMigrationPartial, report.Failed, report.Total)
	}

	if err := e.store.SwapStaging(ctx, table, generation, toModel, dimension); err != nil {
		return report, fmt.Errorf("swapping staged collection: %w", err)
	}
	report.Swapped = true

	slog.Info("migration complete",
		"table", table, "model", toModel, "facts", report.Succeeded, "duration", report.Duration)
	return report, nil
}
