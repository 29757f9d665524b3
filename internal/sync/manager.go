package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-sentinel/internal/audit"
	"github.com/Martian-dev/inbox-sentinel/internal/integration"
)

// ErrDiscovery marks a failure to load eligible integrations. It is the
// only error a run returns.
var ErrDiscovery = errors.New("failed to discover eligible integrations")

// Trigger names what started a run.
type Trigger string

const (
	TriggerCron     Trigger = "cron"
	TriggerOnDemand Trigger = "on_demand"
	TriggerCLI      Trigger = "cli"
)

// SchedulerStore is the slice of the store the scheduler needs.
type SchedulerStore interface {
	ListEligible(ctx context.Context, cutoff time.Time, limit int) ([]*integration.Integration, error)
	ListTenantEligible(ctx context.Context, tenantID string, limit int) ([]*integration.Integration, error)
	ClaimLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
}

// AuditRecorder receives one entry per finished sync pass.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// ManagerConfig bounds one run.
type ManagerConfig struct {
	RunBudget       time.Duration
	MaxIntegrations int
	MinInterval     time.Duration
	Concurrency     int
	LeaseTTL        time.Duration
}

// Manager schedules sync passes across tenant integrations
type Manager struct {
	store  SchedulerStore
	healer *Healer
	runner *Runner
	audit  AuditRecorder
	cfg    ManagerConfig
	log    *logrus.Logger
	now    func() time.Time

	runners      map[string]context.CancelFunc
	runnersMutex stdsync.RWMutex
}

// NewManager creates sync manager
func NewManager(store SchedulerStore, healer *Healer, runner *Runner, recorder AuditRecorder, cfg ManagerConfig, log *logrus.Logger) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Manager{
		store:   store,
		healer:  healer,
		runner:  runner,
		audit:   recorder,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		runners: make(map[string]context.CancelFunc),
	}
}

// SetClock overrides the scheduler's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// DiscoverEligible returns up to maxCount integrations due for a pass,
// oldest watermark first, after auto-heal has dropped the ones it could
// not repair.
func (m *Manager) DiscoverEligible(ctx context.Context, maxCount int) ([]*integration.Integration, error) {
	ready, _, err := m.discover(ctx, maxCount)
	return ready, err
}

func (m *Manager) discover(ctx context.Context, maxCount int) ([]*integration.Integration, int, error) {
	cutoff := m.now().Add(-m.cfg.MinInterval)
	found, err := m.store.ListEligible(ctx, cutoff, maxCount)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	ready := m.healer.Heal(ctx, found)
	return ready, len(found) - len(ready), nil
}

// RunDue runs one pass over every integration due for sync.
func (m *Manager) RunDue(ctx context.Context, trigger Trigger) (*RunSummary, error) {
	start := m.now()
	ready, excluded, err := m.discover(ctx, m.cfg.MaxIntegrations)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, trigger, start, ready, excluded), nil
}

// RunTenant runs one pass over a single tenant's integrations, ignoring
// the minimum interval.
func (m *Manager) RunTenant(ctx context.Context, tenantID string, trigger Trigger) (*RunSummary, error) {
	start := m.now()
	found, err := m.store.ListTenantEligible(ctx, tenantID, m.cfg.MaxIntegrations)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	ready := m.healer.Heal(ctx, found)
	return m.run(ctx, trigger, start, ready, len(found)-len(ready)), nil
}

func (m *Manager) run(ctx context.Context, trigger Trigger, start time.Time, list []*integration.Integration, excluded int) *RunSummary {
	runID := uuid.NewString()
	deadline := start.Add(m.cfg.RunBudget)
	log := m.log.WithFields(logrus.Fields{"run_id": runID, "trigger": trigger})
	log.WithFields(logrus.Fields{"eligible": len(list), "excluded": excluded, "deadline": deadline}).Info("sync run started")

	attempts := make([]*Attempt, len(list))
	var (
		g          errgroup.Group
		notStarted bool
		running    []string
	)
	g.SetLimit(m.cfg.Concurrency)
	for i, in := range list {
		if ctx.Err() != nil || !m.now().Before(deadline) {
			notStarted = true
			break
		}
		if m.IsRunning(in.ID) {
			running = append(running, in.ID)
			continue
		}
		g.Go(func() error {
			attempts[i] = m.runOne(ctx, runID, trigger, in, deadline)
			return nil
		})
	}
	_ = g.Wait()

	done := make([]*Attempt, 0, len(attempts))
	for _, a := range attempts {
		if a != nil {
			done = append(done, a)
		}
	}
	skipped := len(list) - len(done)
	if skipped > 0 && !m.now().Before(deadline) {
		notStarted = true
	}

	summary := Aggregate(runID, done, excluded+skipped, m.now().Sub(start))
	if notStarted {
		summary.TimedOut = true
	}
	summary.Running = running
	log.WithFields(logrus.Fields{
		"synced":    summary.Synced,
		"total":     summary.Total,
		"processed": summary.TotalEmailsProcessed,
		"threats":   summary.TotalThreatsFound,
		"timed_out": summary.TimedOut,
	}).Info("sync run finished")
	return summary
}

// runOne syncs one integration under its lease. It returns nil when the
// integration was not attempted.
func (m *Manager) runOne(ctx context.Context, runID string, trigger Trigger, in *integration.Integration, deadline time.Time) *Attempt {
	log := m.log.WithFields(logrus.Fields{"run_id": runID, "integration_id": in.ID, "tenant_id": in.TenantID})
	if !m.now().Before(deadline) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !m.register(in.ID, cancel) {
		log.Info("sync already running in this process, skipping")
		return nil
	}
	defer m.unregister(in.ID)

	now := m.now()
	claimed, err := m.store.ClaimLease(runCtx, in.ID, runID, now, now.Add(m.cfg.LeaseTTL))
	if err != nil {
		log.WithError(err).Warn("failed to claim lease, skipping")
		return nil
	}
	if !claimed {
		log.Info("integration leased by another run, skipping")
		return nil
	}
	defer func() {
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer relCancel()
		if err := m.store.ReleaseLease(relCtx, in.ID, runID); err != nil {
			log.WithError(err).Warn("failed to release lease")
		}
	}()

	att := m.runner.Run(runCtx, in, deadline)
	m.record(ctx, runID, trigger, in, att)
	return att
}

func (m *Manager) record(ctx context.Context, runID string, trigger Trigger, in *integration.Integration, att *Attempt) {
	if m.audit == nil {
		return
	}
	e := audit.Entry{
		RunID:           runID,
		Trigger:         string(trigger),
		IntegrationID:   in.ID,
		TenantID:        in.TenantID,
		Provider:        string(in.Provider),
		ConnectionRef:   in.ConnectionRef,
		State:           string(att.State),
		EmailsProcessed: att.EmailsProcessed,
		EmailsSkipped:   att.EmailsSkipped,
		ThreatsFound:    att.ThreatsFound,
		Errors:          len(att.Errors),
		TimedOut:        att.TimedOut,
		StartedAt:       att.StartedAt,
		DurationMs:      att.Duration.Milliseconds(),
	}
	if fe := att.FatalError(); fe != nil {
		e.Error = fe.Error()
	}
	if err := m.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		m.log.WithError(err).WithField("integration_id", in.ID).Warn("failed to record audit entry")
	}
}

func (m *Manager) register(id string, cancel context.CancelFunc) bool {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[id]; exists {
		return false
	}
	m.runners[id] = cancel
	return true
}

func (m *Manager) unregister(id string) {
	m.runnersMutex.Lock()
	delete(m.runners, id)
	m.runnersMutex.Unlock()
}

// IsRunning checks if a sync pass is running for an integration
func (m *Manager) IsRunning(integrationID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[integrationID]
	return exists
}

// StopAll cancels all running sync passes
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for id, cancel := range m.runners {
		m.log.WithField("integration_id", id).Info("stopping sync")
		cancel()
	}
}

// GetRunningSyncs returns the integrations with a pass in flight
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var syncs []string
	for id := range m.runners {
		syncs = append(syncs, id)
	}
	return syncs
}
