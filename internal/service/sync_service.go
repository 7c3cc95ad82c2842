package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ledgersync/internal/config"
	"ledgersync/internal/domain"
	"ledgersync/internal/etl"
	_ "ledgersync/internal/etl/sources"
	"ledgersync/internal/logger"
	"ledgersync/internal/metrics"
	"ledgersync/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// Sync Service: configured jobs, schedules and file watches
// ─────────────────────────────────────────────────────────────

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job is already running")
)

const (
	defaultJobTimeout = 5 * time.Minute
	defaultLeaseTTL   = 10 * time.Minute
	defaultKeepRuns   = 200
	watchDebounce     = 500 * time.Millisecond
)

// SourceFactory builds the source of a job. Defaults to etl.NewSource.
type SourceFactory func(typ string, cfg etl.SourceConfig, orderingField string) (etl.Source, error)

// SyncService owns the cache database handles and runs sync cycles for the
// configured jobs, one at a time per job.
type SyncService struct {
	db        *storage.DB
	runs      *storage.RunLogStore
	leases    *storage.LeaseStore
	emitter   EventEmitter
	jobs      []config.JobConfig
	newSource SourceFactory
	leaseTTL  time.Duration
	keepRuns  int
	holder    string
	log       *zap.Logger

	runningJobs runningJobsGuard

	// watcher / cron lifecycle
	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// Option configures a SyncService.
type Option func(*SyncService)

// WithSourceFactory replaces the source registry lookup.
func WithSourceFactory(f SourceFactory) Option {
	return func(s *SyncService) { s.newSource = f }
}

// WithLeaseTTL sets how long a job lease survives a crashed holder.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *SyncService) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithRunRetention sets how many run log entries are kept per job.
func WithRunRetention(n int) Option {
	return func(s *SyncService) { s.keepRuns = n }
}

// NewSyncService creates a SyncService ready for use.
func NewSyncService(db *storage.DB, jobs []config.JobConfig, emitter EventEmitter, opts ...Option) *SyncService {
	if emitter == nil {
		emitter = LogEmitter{Log: logger.WithModule("events")}
	}
	s := &SyncService{
		db:        db,
		runs:      storage.NewRunLogStore(db),
		leases:    storage.NewLeaseStore(db),
		emitter:   emitter,
		jobs:      jobs,
		newSource: etl.NewSource,
		leaseTTL:  defaultLeaseTTL,
		keepRuns:  defaultKeepRuns,
		holder:    uuid.New().String(),
		log:       logger.WithModule("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Jobs ───────────────────────────────────────────────────

// Jobs returns the configured jobs.
func (s *SyncService) Jobs() []config.JobConfig {
	return append([]config.JobConfig(nil), s.jobs...)
}

func (s *SyncService) job(name string) (config.JobConfig, error) {
	for _, j := range s.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return config.JobConfig{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

func (s *SyncService) cacheStore(job config.JobConfig) (*storage.CacheStore, error) {
	return storage.NewCacheStore(s.db, job.Table, job.Schema())
}

// orchestrator wires a job's source and cache table. The caller closes the source.
func (s *SyncService) orchestrator(job config.JobConfig) (*etl.Orchestrator, etl.Source, *storage.CacheStore, error) {
	schema := job.Schema()
	store, err := s.cacheStore(job)
	if err != nil {
		return nil, nil, nil, err
	}
	src, err := s.newSource(job.Source.Type, etl.SourceConfig(job.Source.Config), schema.OrderingField)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	o, err := etl.NewOrchestrator(src, store, schema,
		etl.WithTransformers(etl.BuildTransformers(job.FieldMap, job.Defaults)...),
		etl.WithLogger(logger.WithModule("sync").With(zap.String("job", job.Name))),
	)
	if err != nil {
		src.Close()
		return nil, nil, nil, err
	}
	return o, src, store, nil
}

// ── Run ────────────────────────────────────────────────────

// RunJob executes one sync cycle of the named job synchronously, records it
// in the run log and emits a completion event. Cycles are exclusive per
// cache table: a cycle already writing the job's table here or in another
// process sharing the cache file yields ErrJobRunning.
func (s *SyncService) RunJob(ctx context.Context, name string) (*etl.CycleReport, error) {
	job, err := s.job(name)
	if err != nil {
		return nil, err
	}

	// Prevent concurrent cycles on the same table.
	key := "table:" + job.Table
	if !s.runningJobs.TryLockFor(key, name) {
		metrics.ObserveCycle(name, "busy", 0, 0, 0, 0, 0)
		if holder, ok := s.runningJobs.Holder(key); ok && holder != name {
			return nil, fmt.Errorf("%w: %s (table %s in use by %s)", ErrJobRunning, name, job.Table, holder)
		}
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer s.runningJobs.Unlock(key)

	ok, err := s.leases.TryAcquire(ctx, key, s.holder, s.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		metrics.ObserveCycle(name, "busy", 0, 0, 0, 0, 0)
		return nil, fmt.Errorf("%w: %s (leased by another process)", ErrJobRunning, name)
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), key, s.holder); err != nil {
			s.log.Warn("release lease failed", zap.String("job", name), zap.Error(err))
		}
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	leaseCtx, lost := context.WithCancelCause(runCtx)
	defer lost(nil)
	stopRenew := s.renewLease(leaseCtx, name, key, lost)

	start := time.Now()
	report, runErr := s.runCycle(leaseCtx, job)
	stopRenew()
	if runErr != nil {
		if cause := context.Cause(leaseCtx); errors.Is(cause, errLeaseLost) {
			runErr = multierr.Append(runErr, cause)
		}
	}
	s.record(ctx, name, start, report, runErr)
	return report, runErr
}

var errLeaseLost = errors.New("lease lost")

// renewLease extends the lease every third of its TTL until stop is called,
// so a cycle longer than the TTL keeps other processes out. If the lease
// cannot be extended the cycle is cancelled with errLeaseLost.
func (s *SyncService) renewLease(ctx context.Context, job, lease string, lost context.CancelCauseFunc) (stop func()) {
	interval := s.leaseTTL / 3
	if interval <= 0 {
		interval = s.leaseTTL
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			ok, err := s.leases.TryAcquire(ctx, lease, s.holder, s.leaseTTL)
			if ctx.Err() != nil {
				return
			}
			if err == nil && ok {
				continue
			}
			if err == nil {
				err = fmt.Errorf("%s taken by another holder", lease)
			}
			s.log.Error("lease renewal failed, cancelling cycle", zap.String("job", job), zap.Error(err))
			lost(fmt.Errorf("%w: %v", errLeaseLost, err))
			return
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *SyncService) runCycle(ctx context.Context, job config.JobConfig) (*etl.CycleReport, error) {
	o, src, _, err := s.orchestrator(job)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.log.Warn("close source failed", zap.String("job", job.Name), zap.Error(err))
		}
	}()
	return o.RunCycle(ctx)
}

// record writes the run log, updates metrics and notifies observers.
func (s *SyncService) record(ctx context.Context, name string, start time.Time, report *etl.CycleReport, runErr error) {
	run := &domain.SyncRun{
		Job:        name,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Status:     "success",
	}
	if report != nil {
		run.Mode = string(report.Mode)
		run.Watermark = report.Watermark
		run.Fetched = report.Fetched
		run.Inserted = report.Inserted
		run.Ignored = report.Ignored
		run.Skipped = len(report.Skipped)
	}
	if runErr != nil {
		run.Status = "error"
		run.Error = runErr.Error()
	}
	if err := s.runs.CreateRun(run); err != nil {
		s.log.Warn("record run failed", zap.String("job", name), zap.Error(err))
	} else if s.keepRuns > 0 {
		if _, err := s.runs.PruneRuns(context.WithoutCancel(ctx), name, s.keepRuns); err != nil {
			s.log.Warn("prune runs failed", zap.String("job", name), zap.Error(err))
		}
	}

	elapsed := run.FinishedAt.Sub(start)
	if runErr != nil {
		metrics.ObserveCycle(name, "error", elapsed, 0, 0, 0, 0)
		s.log.Error("sync failed", zap.String("job", name), zap.Error(runErr))
		s.emitter.Emit(ctx, EventSyncFailed, map[string]any{
			"job":   name,
			"runId": run.ID,
			"error": runErr.Error(),
		})
		return
	}

	metrics.ObserveCycle(name, "success", elapsed, report.Inserted, report.Ignored, len(report.Skipped), len(report.Rows))
	s.emitter.Emit(ctx, EventSyncCompleted, map[string]any{
		"job":      name,
		"runId":    run.ID,
		"mode":     run.Mode,
		"inserted": report.Inserted,
		"ignored":  report.Ignored,
		"skipped":  len(report.Skipped),
		"rows":     len(report.Rows),
	})
}

// RunAll runs every job once, in configuration order. Failures of one job
// do not stop the others; they are combined in the returned error.
func (s *SyncService) RunAll(ctx context.Context) (map[string]*etl.CycleReport, error) {
	reports := make(map[string]*etl.CycleReport, len(s.jobs))
	var errs error
	for _, j := range s.jobs {
		if err := ctx.Err(); err != nil {
			return reports, multierr.Append(errs, err)
		}
		report, err := s.RunJob(ctx, j.Name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", j.Name, err))
			continue
		}
		reports[j.Name] = report
	}
	return reports, errs
}

// ── Read side ──────────────────────────────────────────────

// Preview fetches and coerces what the next cycle of name would insert,
// without writing anything.
func (s *SyncService) Preview(ctx context.Context, name string, limit int) (*etl.PreviewResult, error) {
	job, err := s.job(name)
	if err != nil {
		return nil, err
	}
	o, src, _, err := s.orchestrator(job)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	previewCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.Preview(previewCtx, limit)
}

// ReadCache returns up to limit cached rows of name in storage order.
// A non-positive limit returns every row.
func (s *SyncService) ReadCache(ctx context.Context, name string, limit int) ([]domain.Row, error) {
	store, err := s.openStore(ctx, name)
	if err != nil {
		return nil, err
	}
	rows, err := store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Stats summarises the cache table of name.
func (s *SyncService) Stats(ctx context.Context, name string) (*storage.CacheStats, error) {
	store, err := s.openStore(ctx, name)
	if err != nil {
		return nil, err
	}
	return store.Stats(ctx)
}

func (s *SyncService) openStore(ctx context.Context, name string) (*storage.CacheStore, error) {
	job, err := s.job(name)
	if err != nil {
		return nil, err
	}
	store, err := s.cacheStore(job)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// ListRuns returns the most recent runs of a job, newest first.
// An empty name lists every job.
func (s *SyncService) ListRuns(name string, limit int) ([]domain.SyncRun, error) {
	if name != "" {
		if _, err := s.job(name); err != nil {
			return nil, err
		}
	}
	return s.runs.ListRuns(name, limit)
}

// ListSources returns the available source descriptors.
func (s *SyncService) ListSources() []etl.SourceSpec {
	return etl.ListSources()
}

// ── Watchers (cron + file_watch) ──────────────────────────

// cronLogger routes cron's own logging through zap.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Errorw(msg, append(kv, "error", err)...)
}

// RestartWatchers tears down the current watcher/cron and rebuilds them from
// the job triggers. Invalid schedules and unwatchable paths are returned
// together; the triggers that could be installed stay active.
func (s *SyncService) RestartWatchers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchersLocked()

	var errs error

	// ── Cron jobs ──
	clog := cronLogger{log: s.log.Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog)))
	scheduled := 0
	for _, j := range s.jobs {
		if j.Trigger() != config.TriggerSchedule {
			continue
		}
		name := j.Name
		_, err := c.AddFunc(j.TriggerConfig, func() {
			s.log.Info("cron: running job", zap.String("job", name))
			if _, err := s.RunJob(ctx, name); err != nil && !errors.Is(err, ErrJobRunning) {
				s.log.Warn("cron: job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: invalid schedule %q: %w", name, j.TriggerConfig, err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		c.Start()
		s.cronSched = c
		s.log.Info("cron: scheduled jobs", zap.Int("count", scheduled))
	}

	// ── File watchers ──
	pathToJob := make(map[string]string)
	for _, j := range s.jobs {
		if j.Trigger() != config.TriggerFileWatch {
			continue
		}
		absPath, err := filepath.Abs(j.TriggerConfig)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: bad watch path %q: %w", j.Name, j.TriggerConfig, err))
			continue
		}
		pathToJob[absPath] = j.Name
	}
	if len(pathToJob) == 0 {
		return errs
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("create file watcher: %w", err))
	}
	s.watcher = watcher

	watchedDirs := make(map[string]bool)
	for absPath, name := range pathToJob {
		dir := filepath.Dir(absPath)
		if watchedDirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: watch dir %q: %w", name, dir, err))
			continue
		}
		watchedDirs[dir] = true
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	go s.watch(watchCtx, watcher, pathToJob)

	s.log.Info("watcher: watching files", zap.Int("count", len(pathToJob)))
	return errs
}

// watch debounces file events per job and runs the job once writes settle.
func (s *SyncService) watch(ctx context.Context, watcher *fsnotify.Watcher, pathToJob map[string]string) {
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			absPath, _ := filepath.Abs(event.Name)
			name, ok := pathToJob[absPath]
			if !ok {
				continue
			}
			if t, exists := timers[name]; exists {
				t.Stop()
			}
			timers[name] = time.AfterFunc(watchDebounce, func() {
				s.log.Info("watcher: file changed, running job", zap.String("path", absPath), zap.String("job", name))
				if _, err := s.RunJob(ctx, name); err != nil && !errors.Is(err, ErrJobRunning) {
					s.log.Warn("watcher: job failed", zap.String("job", name), zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher: error", zap.Error(err))
		}
	}
}

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *SyncService) WaitRunning(ctx context.Context) {
	s.runningJobs.WaitAll(ctx)
}

// Running lists the jobs with a cycle in flight.
func (s *SyncService) Running() []string {
	return s.runningJobs.Running()
}

// Stop tears down all watchers and schedulers.
func (s *SyncService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchersLocked()
}

func (s *SyncService) stopWatchersLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		<-s.cronSched.Stop().Done()
		s.cronSched = nil
	}
}
