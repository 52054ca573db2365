package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultVerifySchedule is the cron spec used when none is configured.
const DefaultVerifySchedule = "@every 5m"

// Monitor periodically verifies the ledger and reports integrity violations.
// Orchestrator audit writes swallow their failures, so this is where a broken chain becomes visible.
type Monitor struct {
	log      *Log
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron

	mu   sync.RWMutex
	last *VerifyResult
}

func NewMonitor(log *Log, schedule string, logger *slog.Logger) *Monitor {
	if schedule == "" {
		schedule = DefaultVerifySchedule
	}

	return &Monitor{
		log:      log,
		logger:   logger.With("module", "audit_monitor"),
		schedule: schedule,
	}
}

// Start verifies once and then on every tick of the schedule.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(m.schedule); err != nil {
		return fmt.Errorf("invalid audit verify schedule %q: %w", m.schedule, err)
	}

	m.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := m.cron.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule audit verification: %w", err)
	}

	m.Check(ctx)
	m.cron.Start()

	m.logger.InfoContext(ctx, "audit monitor started", "schedule", m.schedule)

	return nil
}

// Check runs one verification and records its result.
func (m *Monitor) Check(ctx context.Context) *VerifyResult {
	result, err := m.log.Verify(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "audit verification failed", "error", err)

		return nil
	}

	if !result.OK {
		issue := result.Issues[0]
		m.logger.ErrorContext(ctx, "audit log integrity violation",
			"path", m.log.Path(), "line", issue.Line, "issue", issue.Code, "record_count", result.RecordCount)
	}

	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	return result
}

// Last returns the most recent verification result, nil before the first check.
func (m *Monitor) Last() *VerifyResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.last
}

func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}
