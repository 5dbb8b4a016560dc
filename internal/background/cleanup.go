package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imbrick/attributes-login-access/internal/metrics"
	"github.com/imbrick/attributes-login-access/internal/models"
)

// AttemptPurger removes ledger rows past retention
type AttemptPurger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// IndexPruner is implemented by purgers that keep an in-memory window index.
// Idle keys are pruned on the faster index cadence as well as every pass.
type IndexPruner interface {
	PruneIndex(now time.Time) int
}

// DefaultIndexPruneInterval bounds how long idle window keys stay in memory
const DefaultIndexPruneInterval = 5 * time.Minute

// EventPurger removes security events past retention
type EventPurger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// LockoutSweeper ends expired locks
type LockoutSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	ListActive(now time.Time) []*models.LockoutEntry
}

// ReputationSweeper ends expired dynamic blocks
type ReputationSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) int
	ListBlocked(now time.Time) []*models.ReputationEntry
}

type Clock interface {
	Now() time.Time
}

// SweepReport summarises one cleanup pass. Failed steps are listed by name.
type SweepReport struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	AttemptsPurged   int64         `json:"attempts_purged"`
	IndexKeysPruned  int           `json:"index_keys_pruned"`
	EventsPurged     int64         `json:"events_purged"`
	LockoutsSwept    int           `json:"lockouts_swept"`
	ReputationsSwept int           `json:"reputations_swept"`
	FailedSteps      []string      `json:"failed_steps,omitempty"`
	Skipped          bool          `json:"skipped,omitempty"`
}

// CleanupManager periodically expires locks and blocks and enforces ledger
// retention. Only one pass runs at a time; an overlapping pass is skipped.
type CleanupManager struct {
	attempts   AttemptPurger
	events     EventPurger
	lockouts   LockoutSweeper
	reputation ReputationSweeper
	clock      Clock
	retention  time.Duration
	interval   time.Duration
	pruneEvery time.Duration
	logger     *slog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager. events may be nil.
func NewCleanupManager(
	attempts AttemptPurger,
	events EventPurger,
	lockouts LockoutSweeper,
	reputation ReputationSweeper,
	clock Clock,
	retention time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		attempts:   attempts,
		events:     events,
		lockouts:   lockouts,
		reputation: reputation,
		clock:      clock,
		retention:  retention,
		interval:   interval,
		pruneEvery: min(interval, DefaultIndexPruneInterval),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(cm.pruneEvery)
	defer pruneTicker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-pruneTicker.C:
			cm.pruneIndex()
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single pass. Each step runs even if an earlier one fails.
func (cm *CleanupManager) RunOnce(ctx context.Context) *SweepReport {
	now := cm.clock.Now()
	report := &SweepReport{StartedAt: now}

	if !cm.running.CompareAndSwap(false, true) {
		metrics.SweepsSkippedTotal.Inc()
		cm.logger.Warn("cleanup pass skipped, previous pass still running")
		report.Skipped = true
		return report
	}
	defer cm.running.Store(false)

	started := time.Now()
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := now.Add(-cm.retention)

	cm.step(report, "attempts", func() error {
		n, err := cm.attempts.PurgeBefore(cleanupCtx, cutoff)
		report.AttemptsPurged = n
		return err
	})

	if pruner, ok := cm.attempts.(IndexPruner); ok {
		cm.step(report, "index", func() error {
			report.IndexKeysPruned = pruner.PruneIndex(now)
			return nil
		})
	}

	cm.step(report, "reputation", func() error {
		report.ReputationsSwept = cm.reputation.SweepExpired(cleanupCtx, now)
		return nil
	})

	cm.step(report, "lockouts", func() error {
		n, err := cm.lockouts.SweepExpired(cleanupCtx, now)
		report.LockoutsSwept = n
		return err
	})

	if cm.events != nil {
		cm.step(report, "events", func() error {
			n, err := cm.events.PurgeBefore(cleanupCtx, cutoff)
			report.EventsPurged = n
			return err
		})
	}

	cm.refreshGauges(now)

	report.Duration = time.Since(started)
	metrics.SweepDuration.Observe(report.Duration.Seconds())

	cm.logger.Info("cleanup pass completed",
		slog.Int("lockouts_swept", report.LockoutsSwept),
		slog.Int("reputations_swept", report.ReputationsSwept),
		slog.Int64("attempts_purged", report.AttemptsPurged),
		slog.Int("index_keys_pruned", report.IndexKeysPruned),
		slog.Int64("events_purged", report.EventsPurged),
		slog.Duration("duration", report.Duration),
	)
	return report
}

func (cm *CleanupManager) pruneIndex() {
	pruner, ok := cm.attempts.(IndexPruner)
	if !ok {
		return
	}
	if n := pruner.PruneIndex(cm.clock.Now()); n > 0 {
		cm.logger.Debug("attempt index pruned", slog.Int("keys", n))
	}
}

func (cm *CleanupManager) step(report *SweepReport, name string, fn func() error) {
	if err := fn(); err != nil {
		metrics.SweepStepsTotal.WithLabelValues(name, "error").Inc()
		report.FailedSteps = append(report.FailedSteps, name)
		cm.logger.Error("cleanup step failed", slog.String("step", name), slog.Any("error", err))
		return
	}
	metrics.SweepStepsTotal.WithLabelValues(name, "ok").Inc()
}

func (cm *CleanupManager) refreshGauges(now time.Time) {
	var users, ips int
	for _, e := range cm.lockouts.ListActive(now) {
		if e.SubjectKind == models.SubjectKindIP {
			ips++
		} else {
			users++
		}
	}
	metrics.ActiveLockouts.WithLabelValues(string(models.SubjectKindUser)).Set(float64(users))
	metrics.ActiveLockouts.WithLabelValues(string(models.SubjectKindIP)).Set(float64(ips))
	metrics.BlockedIPs.Set(float64(len(cm.reputation.ListBlocked(now))))
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
