// Periodic anomaly detection over actor behavior. Each configured sweep
// evaluates one declarative metric against recent activity and opens
// moderation cases for actors crossing its threshold.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/hearth-social/vigil/ledger"
	"github.com/hearth-social/vigil/moderation"
	"github.com/hearth-social/vigil/sweep/activitystore"
)

// Actor recorded on audit entries written by sweep-opened cases.
const sweepActor = "sweep-engine"

type Engine struct {
	logger   *slog.Logger
	db       *gorm.DB
	activity activitystore.ActivityStore
	cases    *moderation.CaseManager

	defsLk sync.RWMutex
	defs   map[string]Definition
}

func NewEngine(db *gorm.DB, activity activitystore.ActivityStore, cases *moderation.CaseManager, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&Result{}); err != nil {
		return nil, fmt.Errorf("migrating sweep results: %w", err)
	}
	return &Engine{
		logger:   logger.With("system", "sweep"),
		db:       db,
		activity: activity,
		cases:    cases,
		defs:     make(map[string]Definition),
	}, nil
}

// Registers a sweep, rejecting malformed definitions at load time.
func (e *Engine) AddDefinition(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.defsLk.Lock()
	defer e.defsLk.Unlock()
	e.defs[def.Name] = def
	return nil
}

// Loads definitions from a JSON file. Malformed entries are skipped with an
// error logged; valid ones still load.
func (e *Engine) LoadDefinitionsFile(path string) error {
	defs, err := LoadDefinitionsJSON(path)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := e.AddDefinition(def); err != nil {
			e.logger.Error("skipping sweep definition", "err", err)
		}
	}
	return nil
}

func (e *Engine) Definitions() []Definition {
	e.defsLk.RLock()
	defer e.defsLk.RUnlock()
	out := make([]Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Feeds one behavioral event into the activity stats that sweeps evaluate.
func (e *Engine) RecordEvent(ctx context.Context, eventType, actorID, entityID string) error {
	return e.activity.RecordEvent(ctx, eventType, actorID, entityID, time.Now())
}

// Runs every registered sweep. A failing or malformed sweep is skipped while
// the others proceed; the combined error is returned alongside the results
// that did get produced.
func (e *Engine) RunAll(ctx context.Context) ([]Result, error) {
	var out []Result
	var errs []error
	for _, def := range e.Definitions() {
		results, err := e.RunSweep(ctx, def.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", def.Name, err))
			continue
		}
		out = append(out, results...)
	}
	return out, errors.Join(errs...)
}

// Runs a single sweep by name.
func (e *Engine) RunSweep(ctx context.Context, name string) (results []Result, err error) {
	e.defsLk.RLock()
	def, ok := e.defs[name]
	e.defsLk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown sweep %q", ErrInvalidDefinition, name)
	}

	// like an HTTP server, recover panics from a single sweep run
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sweep execution exception", "err", r, "sweep", name)
			err = fmt.Errorf("sweep %s panicked", name)
			sweepRunCount.WithLabelValues(name, "panic").Inc()
		}
	}()

	start := time.Now()
	results, err = e.runDefinition(ctx, def)
	sweepRunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		sweepRunCount.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	sweepRunCount.WithLabelValues(name, "ok").Inc()
	e.logger.Info("sweep complete", "sweep", name, "results", len(results))
	return results, nil
}

func (e *Engine) runDefinition(ctx context.Context, def Definition) ([]Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	since := now.Add(-def.Lookback())
	// idempotency window: concurrent or repeated runs inside the same window
	// converge on the same (sweep, actor, window) row
	windowStart := now.Truncate(def.Lookback())

	// rate metrics enumerate actors by the denominator (eg, everyone with
	// orders), others by the event itself
	enumEvent := def.EventType
	if def.Metric == MetricRate {
		enumEvent = def.DenominatorEventType
	}
	actors, err := e.activity.ActiveActors(ctx, enumEvent, since)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, actorID := range actors {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		observed, sample, err := e.evaluate(ctx, def, actorID, since)
		if err != nil {
			return out, err
		}
		if sample < def.MinSampleSize {
			continue
		}
		crossed := observed >= def.Threshold
		if def.Metric == MetricRate {
			crossed = observed > def.Threshold
		}
		if !crossed {
			continue
		}

		res, err := e.surface(ctx, def, actorID, windowStart, now, observed, sample)
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, def Definition, actorID string, since time.Time) (observed float64, sample int, err error) {
	switch def.Metric {
	case MetricCount:
		n, err := e.activity.CountEvents(ctx, def.EventType, actorID, since)
		if err != nil {
			return 0, 0, err
		}
		return float64(n), n, nil
	case MetricDistinct:
		n, err := e.activity.CountEvents(ctx, def.EventType, actorID, since)
		if err != nil {
			return 0, 0, err
		}
		d, err := e.activity.CountDistinct(ctx, def.EventType, actorID, since)
		if err != nil {
			return 0, 0, err
		}
		return float64(d), n, nil
	case MetricRate:
		den, err := e.activity.CountEvents(ctx, def.DenominatorEventType, actorID, since)
		if err != nil {
			return 0, 0, err
		}
		if den == 0 {
			return 0, 0, nil
		}
		num, err := e.activity.CountEvents(ctx, def.EventType, actorID, since)
		if err != nil {
			return 0, 0, err
		}
		return float64(num) / float64(den), den, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown metric kind %q", ErrInvalidDefinition, def.Metric)
}

// Records a threshold crossing and opens a case for it, exactly once per
// (sweep, actor, window). Duplicate-case suppression comes from the result
// row's unique index plus the case idempotency key, not from locking the
// engine.
func (e *Engine) surface(ctx context.Context, def Definition, actorID string, windowStart, runAt time.Time, observed float64, sample int) (*Result, error) {
	res := Result{
		SweepName:     def.Name,
		ActorID:       actorID,
		WindowStart:   windowStart,
		RunAt:         runAt,
		ObservedValue: observed,
		SampleSize:    sample,
	}
	err := e.db.WithContext(ctx).Create(&res).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// concurrent or repeated run: reuse the existing row
		var existing Result
		if err := e.db.WithContext(ctx).
			Where("sweep_name = ? AND actor_id = ? AND window_start = ?", def.Name, actorID, res.WindowStart).
			First(&existing).Error; err != nil {
			return nil, err
		}
		res = existing
	} else if err != nil {
		return nil, err
	} else {
		sweepResultCount.WithLabelValues(def.Name).Inc()
	}

	if res.CaseID != nil {
		return &res, nil
	}

	reason, err := e.cases.GetReason(ctx, def.SuggestedAction)
	if err != nil {
		return nil, err
	}
	c, err := e.cases.CreateCase(ctx, moderation.CreateCaseParams{
		ActorID:    sweepActor,
		ReasonCode: def.SuggestedAction,
		EvidenceRefs: []string{
			fmt.Sprintf("sweep:%s actor:%s observed:%.4f sample:%d", def.Name, actorID, observed, sample),
		},
		Priority:       reason.Severity,
		IdempotencyKey: fmt.Sprintf("sweep/%s/%s/%d", def.Name, actorID, windowStart.Unix()),
	})
	if err != nil {
		return nil, err
	}
	// only fill an empty slot, never clobber a concurrent winner
	if err := e.db.WithContext(ctx).Model(&Result{}).
		Where("id = ? AND case_id IS NULL", res.ID).
		Update("case_id", c.ID).Error; err != nil {
		return nil, err
	}
	res.CaseID = &c.ID
	sweepCaseCount.WithLabelValues(def.Name).Inc()
	return &res, nil
}

// Records human feedback that a surfaced result was a false positive.
func (e *Engine) MarkFalsePositive(ctx context.Context, resultID uint64, reviewerID string) error {
	var res Result
	err := e.db.WithContext(ctx).Where("id = ?", resultID).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: sweep result %d", moderation.ErrNotFound, resultID)
	}
	if err != nil {
		return err
	}
	if res.FalsePositive {
		return nil
	}
	return e.cases.Ledger().RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		if err := tx.Model(&Result{}).Where("id = ?", res.ID).Update("false_positive", true).Error; err != nil {
			return err
		}
		_, err := append(reviewerID, "sweep_false_positive", "sweep_result", fmt.Sprintf("%d", res.ID), map[string]any{
			"sweep": res.SweepName,
			"actor": res.ActorID,
		})
		return err
	})
}

// Lists recent results, newest first, optionally filtered by sweep name.
func (e *Engine) ListResults(ctx context.Context, sweepName string, limit int) ([]Result, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := e.db.WithContext(ctx).Order("run_at DESC").Limit(limit)
	if sweepName != "" {
		q = q.Where("sweep_name = ?", sweepName)
	}
	var out []Result
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
