package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/graph"
)

const (
	// queryTrimVersions keeps the newest $keep versions of every capsule.
	queryTrimVersions = `
MATCH (c:Capsule)-[:HAS_VERSION]->(v:CapsuleVersion)
WITH c, v ORDER BY v.version DESC
WITH c, collect(v) AS versions
WHERE size(versions) > $keep
UNWIND versions[$keep..] AS stale
DETACH DELETE stale
RETURN count(stale) AS deleted`

	// queryExpireVersions deletes versions past the age cutoff in batches so a
	// large backlog never produces one giant transaction.
	queryExpireVersions = `
MATCH (v:CapsuleVersion)
WHERE v.created_at < $cutoff
WITH v LIMIT $batch
DETACH DELETE v
RETURN count(v) AS deleted`

	queryPruneSnapshots = `
MATCH (s:GraphSnapshot)
WHERE s.captured_at < $cutoff
DETACH DELETE s
RETURN count(s) AS deleted`
)

// maxExpireBatches caps one compaction run; leftovers wait for the next.
const maxExpireBatches = 50

// Compactor prunes historical capsule versions and stale snapshot nodes.
type Compactor struct {
	graph   graph.Executor
	breaker *circuitbreaker.CircuitBreaker

	// KeepVersionsPerCapsule many newest versions survive trimming.
	KeepVersionsPerCapsule int
	// MaxVersionAgeDays expires versions regardless of their rank.
	MaxVersionAgeDays int
	// SnapshotRetentionDays bounds how long GraphSnapshot nodes are kept.
	SnapshotRetentionDays int
	// BatchSize is the per-transaction delete limit for age expiry.
	BatchSize int

	now func() time.Time
}

func NewCompactor(g graph.Executor, breaker *circuitbreaker.CircuitBreaker) *Compactor {
	return &Compactor{
		graph:                  g,
		breaker:                breaker,
		KeepVersionsPerCapsule: 10,
		MaxVersionAgeDays:      90,
		SnapshotRetentionDays:  30,
		BatchSize:              1000,
		now:                    time.Now,
	}
}

// CompactionReport accounts one compaction run.
type CompactionReport struct {
	VersionsTrimmed int   `json:"versions_trimmed"`
	VersionsExpired int   `json:"versions_expired"`
	SnapshotsPruned int   `json:"snapshots_pruned"`
	TookMillis      int64 `json:"took_millis"`
}

// Run adapts Compact to the scheduler's task signature.
func (c *Compactor) Run(ctx context.Context) error {
	_, err := c.Compact(ctx)
	return err
}

// Compact runs the three pruning passes inside a single breaker call. A
// partially completed run is safe to repeat; every pass is idempotent.
func (c *Compactor) Compact(ctx context.Context) (*CompactionReport, error) {
	started := c.now().UTC()
	report := &CompactionReport{}

	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		rec, err := c.graph.ExecuteSingle(ctx, queryTrimVersions, map[string]any{
			"keep": c.KeepVersionsPerCapsule,
		})
		if err != nil && !errors.Is(err, graph.ErrNoRows) {
			return fmt.Errorf("trim versions: %w", err)
		}
		report.VersionsTrimmed = graph.AsInt(rec["deleted"])

		versionCutoff := started.AddDate(0, 0, -c.MaxVersionAgeDays).Format(time.RFC3339)
		for i := 0; i < maxExpireBatches; i++ {
			rec, err := c.graph.ExecuteSingle(ctx, queryExpireVersions, map[string]any{
				"cutoff": versionCutoff,
				"batch":  c.BatchSize,
			})
			if errors.Is(err, graph.ErrNoRows) {
				break
			}
			if err != nil {
				return fmt.Errorf("expire versions: %w", err)
			}
			deleted := graph.AsInt(rec["deleted"])
			report.VersionsExpired += deleted
			if deleted < c.BatchSize {
				break
			}
		}

		snapshotCutoff := started.AddDate(0, 0, -c.SnapshotRetentionDays).Format(time.RFC3339)
		rec, err = c.graph.ExecuteSingle(ctx, queryPruneSnapshots, map[string]any{
			"cutoff": snapshotCutoff,
		})
		if err != nil && !errors.Is(err, graph.ErrNoRows) {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		report.SnapshotsPruned = graph.AsInt(rec["deleted"])
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.TookMillis = c.now().UTC().Sub(started).Milliseconds()
	slog.Info("Version compaction finished",
		"trimmed", report.VersionsTrimmed, "expired", report.VersionsExpired,
		"snapshots_pruned", report.SnapshotsPruned, "took_ms", report.TookMillis)
	return report, nil
}
