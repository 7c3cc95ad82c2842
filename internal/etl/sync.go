package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ledgersync/internal/domain"
	"ledgersync/internal/logger"
)

// ── Orchestrator ───────────────────────────────────────────
// Drives one synchronization cycle:
//   ensure schema → read cache → watermark → fetch → coerce → persist → re-read.

// State is a step of the sync cycle state machine.
type State int

const (
	StateIdle State = iota
	StateSchemaEnsured
	StateWatermarkDetermined
	StateFetched
	StateCoerced
	StatePersisted
	StateMaterialized
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateSchemaEnsured:       "schema_ensured",
	StateWatermarkDetermined: "watermark_determined",
	StateFetched:             "fetched",
	StateCoerced:             "coerced",
	StatePersisted:           "persisted",
	StateMaterialized:        "materialized",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// FetchMode records which source call a cycle used.
type FetchMode string

const (
	FetchFull        FetchMode = "full"        // empty cache → FetchAll
	FetchIncremental FetchMode = "incremental" // FetchSince(watermark)
)

// Skip stages.
const (
	StageCoerce  = "coerce"
	StagePersist = "persist"
)

// SkippedRecord is a record the cycle could not cache.
type SkippedRecord struct {
	Stage  string `json:"stage"` // "coerce" | "persist"
	Index  int    `json:"index"` // position in the fetched (coerce) or coerced (persist) batch
	Key    any    `json:"key"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// CycleReport is the outcome of one successful cycle.
type CycleReport struct {
	Mode      FetchMode       `json:"mode"`
	Watermark string          `json:"watermark,omitempty"`
	Fetched   int             `json:"fetched"`
	Filtered  int             `json:"filtered"` // at or below the watermark, dropped before coercion
	Coerced   int             `json:"coerced"`
	Inserted  int             `json:"inserted"`
	Ignored   int             `json:"ignored"`
	Skipped   []SkippedRecord `json:"skipped,omitempty"`
	Rows      []domain.Row    `json:"rows"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
}

// SkippedErr combines the errors of all skipped records, or nil.
func (r *CycleReport) SkippedErr() error {
	var errs error
	for _, s := range r.Skipped {
		errs = multierr.Append(errs, fmt.Errorf("%s #%d (key %v): %w", s.Stage, s.Index, s.Key, s.Err))
	}
	return errs
}

// Orchestrator runs sync cycles for one source/cache pair.
// Cycles on the same Orchestrator are serialised.
type Orchestrator struct {
	source       Source
	store        domain.CacheStore
	schema       domain.CacheSchema
	transformers []Transformer
	log          *zap.Logger
	onState      func(State)

	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTransformers sets the raw-record transformer chain applied before coercion.
func WithTransformers(ts ...Transformer) Option {
	return func(o *Orchestrator) { o.transformers = append(o.transformers, ts...) }
}

// WithLogger overrides the module logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithStateHook is called on every state transition.
func WithStateHook(f func(State)) Option {
	return func(o *Orchestrator) { o.onState = f }
}

// NewOrchestrator wires a source and a cache store under a validated schema.
func NewOrchestrator(source Source, store domain.CacheStore, schema domain.CacheSchema, opts ...Option) (*Orchestrator, error) {
	if source == nil {
		return nil, fmt.Errorf("orchestrator: nil source")
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator: nil store")
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o := &Orchestrator{
		source: source,
		store:  store,
		schema: schema,
		log:    logger.WithModule("sync"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunCycle executes one full cycle. On success the report's Rows are a fresh
// re-read of the whole cache. On failure the error is a *CycleError; a
// failure at or before the insert leaves the cache exactly as it was.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	report := &CycleReport{StartedAt: start}
	state := StateIdle
	defer func() {
		report.Duration = time.Since(start)
		o.enter(StateIdle)
	}()
	fail := func(kind error, err error) error {
		return &CycleError{Kind: kind, State: state, Err: err}
	}
	advance := func(s State) {
		state = s
		o.enter(s)
	}

	// 1. Schema.
	if err := o.store.EnsureSchema(ctx); err != nil {
		return nil, fail(domain.ErrStoreUnavailable, fmt.Errorf("ensure schema: %w", err))
	}
	advance(StateSchemaEnsured)

	// 2-3. Watermark from the current cache contents.
	existing, err := o.store.ReadAll(ctx)
	if err != nil {
		return nil, fail(domain.ErrStoreUnavailable, fmt.Errorf("read cache: %w", err))
	}
	watermark, incremental := Watermark(existing, o.schema.OrderingField)
	advance(StateWatermarkDetermined)

	var raw []RawRecord
	if incremental {
		report.Mode = FetchIncremental
		report.Watermark = FormatTimestamp(watermark)
		raw, err = o.source.FetchSince(ctx, watermark)
	} else {
		report.Mode = FetchFull
		raw, err = o.source.FetchAll(ctx)
	}
	if err != nil {
		return nil, fail(domain.ErrSourceUnavailable, fmt.Errorf("fetch %s: %w", report.Mode, err))
	}
	report.Fetched = len(raw)
	advance(StateFetched)

	// 4. Coerce.
	rows := o.decodeBatch(raw, watermark, incremental, report)
	report.Coerced = len(rows)
	advance(StateCoerced)

	// A cycle cancelled before this point leaves the cache untouched.
	if err := ctx.Err(); err != nil {
		return nil, fail(domain.ErrSourceUnavailable, err)
	}

	// 5. Persist.
	res, err := o.store.InsertMany(ctx, rows)
	if err != nil {
		return nil, fail(domain.ErrStoreUnavailable, fmt.Errorf("insert: %w", err))
	}
	report.Inserted = res.Inserted
	report.Ignored = res.Ignored
	for _, s := range res.Skipped {
		o.log.Warn("skipping row rejected by cache",
			zap.Int("index", s.Index), zap.Any("key", s.Key), zap.Error(s.Err))
		report.Skipped = append(report.Skipped, SkippedRecord{
			Stage: StagePersist, Index: s.Index, Key: s.Key, Reason: s.Err.Error(), Err: s.Err,
		})
	}
	advance(StatePersisted)

	// 6. Materialize: the result is always a full re-read.
	final, err := o.store.ReadAll(ctx)
	if err != nil {
		return nil, fail(domain.ErrStoreUnavailable, fmt.Errorf("re-read cache: %w", err))
	}
	report.Rows = final
	advance(StateMaterialized)

	o.log.Info("sync cycle complete",
		zap.String("mode", string(report.Mode)),
		zap.String("watermark", report.Watermark),
		zap.Int("fetched", report.Fetched),
		zap.Int("inserted", report.Inserted),
		zap.Int("ignored", report.Ignored),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("rows", len(report.Rows)),
	)
	return report, nil
}

// decodeBatch transforms, watermark-filters and coerces a fetched batch.
func (o *Orchestrator) decodeBatch(raw []RawRecord, watermark time.Time, incremental bool, report *CycleReport) []domain.Row {
	rows := make([]domain.Row, 0, len(raw))
	for i, rec := range raw {
		rec, keep := ApplyTransformers(rec, o.transformers)
		if !keep {
			continue
		}
		if incremental {
			if ts, ok := ParseTimestamp(rec[o.schema.OrderingField]); ok && !ts.After(watermark) {
				report.Filtered++
				continue
			}
		}
		row, err := DecodeRecord(rec, o.schema)
		if err != nil {
			key := rec[o.schema.IdentityKey]
			o.log.Warn("dropping malformed record", zap.Int("index", i), zap.Any("key", key), zap.Error(err))
			report.Skipped = append(report.Skipped, SkippedRecord{
				Stage: StageCoerce, Index: i, Key: key, Reason: err.Error(), Err: err,
			})
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func (o *Orchestrator) enter(s State) {
	if o.onState != nil {
		o.onState(s)
	}
}

// Watermark returns the maximum ordering value among rows. ok is false when
// there are no rows (or none with a parseable ordering value), in which
// case the next fetch must be unbounded.
func Watermark(rows []domain.Row, orderingField string) (max time.Time, ok bool) {
	for _, r := range rows {
		ts, parsed := ParseTimestamp(r[orderingField])
		if !parsed {
			continue
		}
		if !ok || ts.After(max) {
			max, ok = ts, true
		}
	}
	return max, ok
}

// ── Preview ────────────────────────────────────────────────

// PreviewResult is what the next cycle would insert, without persisting it.
type PreviewResult struct {
	Mode      FetchMode       `json:"mode"`
	Watermark string          `json:"watermark,omitempty"`
	Fetched   int             `json:"fetched"`
	Rows      []domain.Row    `json:"rows"`
	Skipped   []SkippedRecord `json:"skipped,omitempty"`
}

// Preview fetches and coerces the next batch and returns up to limit rows.
// No rows are written.
func (o *Orchestrator) Preview(ctx context.Context, limit int) (*PreviewResult, error) {
	if err := o.store.EnsureSchema(ctx); err != nil {
		return nil, &CycleError{Kind: domain.ErrStoreUnavailable, State: StateIdle, Err: err}
	}
	existing, err := o.store.ReadAll(ctx)
	if err != nil {
		return nil, &CycleError{Kind: domain.ErrStoreUnavailable, State: StateSchemaEnsured, Err: err}
	}
	watermark, incremental := Watermark(existing, o.schema.OrderingField)

	res := &PreviewResult{Mode: FetchFull}
	var raw []RawRecord
	if incremental {
		res.Mode = FetchIncremental
		res.Watermark = FormatTimestamp(watermark)
		raw, err = o.source.FetchSince(ctx, watermark)
	} else {
		raw, err = o.source.FetchAll(ctx)
	}
	if err != nil {
		return nil, &CycleError{Kind: domain.ErrSourceUnavailable, State: StateWatermarkDetermined, Err: err}
	}
	res.Fetched = len(raw)

	report := &CycleReport{}
	rows := o.decodeBatch(raw, watermark, incremental, report)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	res.Rows = rows
	res.Skipped = report.Skipped
	return res, nil
}
