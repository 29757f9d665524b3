package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
	"github.com/Martian-dev/inbox-sentinel/internal/mail"
	"github.com/Martian-dev/inbox-sentinel/internal/pipeline"
)

// State is a step of one integration's sync pass.
type State string

const (
	StateInit            State = "init"
	StateCredentialCheck State = "credential_check"
	StateListing         State = "listing"
	StateProcessingItems State = "processing_items"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateAborted         State = "aborted"
)

// TokenSource yields a fresh access token, persisting any refresh.
type TokenSource interface {
	EnsureFresh(ctx context.Context, in *integration.Integration) (string, error)
}

// Processor runs one fetched message through the detection pipeline.
type Processor interface {
	Process(ctx context.Context, raw *mail.RawMessage, tenantID string) (*mail.Verdict, error)
}

// RunnerStore is the slice of the store the sync loop writes to.
type RunnerStore interface {
	VerdictExists(ctx context.Context, tenantID, messageID string) (bool, error)
	FinishSync(ctx context.Context, id string, out integration.SyncOutcome) error
}

// finishTimeout bounds the outcome write, which runs even after the
// caller's context is cancelled.
const finishTimeout = 5 * time.Second

// RunnerConfig tunes the sync loop.
type RunnerConfig struct {
	DefaultLookback time.Duration
	MaxResults      int
	ThreatThreshold float64
	// ItemTimeout bounds each item's dedup, fetch and processing. Zero
	// leaves items bounded only by the caller's context.
	ItemTimeout time.Duration
}

// Attempt is the ephemeral result of one integration's sync pass.
type Attempt struct {
	IntegrationID string
	TenantID      string
	Provider      integration.Provider

	Since     time.Time
	StartedAt time.Time
	Deadline  time.Time
	Duration  time.Duration

	EmailsProcessed int
	EmailsSkipped   int
	ThreatsFound    int
	Errors          []*SyncError

	State    State
	TimedOut bool
	// Watermark is the value offered to the store, nil when the pass did
	// not move it.
	Watermark *time.Time
}

// FatalError returns the integration-level error that aborted the pass.
func (a *Attempt) FatalError() *SyncError {
	for i := len(a.Errors) - 1; i >= 0; i-- {
		if a.Errors[i].Kind.Fatal() {
			return a.Errors[i]
		}
	}
	return nil
}

func (a *Attempt) record(kind Kind, messageID string, err error) *SyncError {
	e := &SyncError{Kind: kind, IntegrationID: a.IntegrationID, MessageID: messageID, Err: err}
	a.Errors = append(a.Errors, e)
	return e
}

// Runner orchestrates one integration's sync pass
type Runner struct {
	Tokens    TokenSource
	Providers ProviderFactory
	Pipeline  Processor
	Store     RunnerStore
	Config    RunnerConfig
	Log       *logrus.Logger
	Now       func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run performs one sync pass for in. Items are only started while the
// shared deadline has not passed; progress made before the deadline is
// always persisted.
func (r *Runner) Run(ctx context.Context, in *integration.Integration, deadline time.Time) *Attempt {
	start := r.now()
	att := &Attempt{
		IntegrationID: in.ID,
		TenantID:      in.TenantID,
		Provider:      in.Provider,
		StartedAt:     start,
		Deadline:      deadline,
		State:         StateInit,
	}
	log := r.Log.WithFields(logrus.Fields{
		"integration_id": in.ID,
		"tenant_id":      in.TenantID,
		"provider":       in.Provider,
	})

	att.Since = start.Add(-r.Config.DefaultLookback)
	if in.Watermark != nil {
		att.Since = *in.Watermark
	}

	att.State = StateCredentialCheck
	token, err := r.Tokens.EnsureFresh(ctx, in)
	if err != nil {
		return r.abort(ctx, log, att, KindTokenRefresh, err)
	}

	att.State = StateListing
	provider, err := r.Providers(ctx, in, token)
	if err != nil {
		return r.abort(ctx, log, att, KindList, err)
	}
	refs, err := provider.ListSince(ctx, att.Since, r.Config.MaxResults)
	if err != nil {
		return r.abort(ctx, log, att, KindList, err)
	}
	log.WithFields(logrus.Fields{"since": att.Since, "listed": len(refs)}).Debug("listed messages")

	att.State = StateProcessingItems
	var hold holdBack
	if r.Config.MaxResults > 0 && len(refs) >= r.Config.MaxResults {
		hold.truncated(refs, listsOldestFirst(provider))
		log.WithField("max_results", r.Config.MaxResults).Info("listing truncated, holding watermark for unlisted messages")
	}
	for i, ref := range refs {
		if err := ctx.Err(); err != nil || !r.now().Before(deadline) {
			att.TimedOut = true
			for _, rest := range refs[i:] {
				hold.add(rest.ReceivedAt)
			}
			if err != nil {
				att.record(KindTimeout, "", fmt.Errorf("sync cancelled with %d of %d items remaining: %w", len(refs)-i, len(refs), err))
			} else {
				att.record(KindTimeout, "", fmt.Errorf("run budget exhausted with %d of %d items remaining", len(refs)-i, len(refs)))
			}
			log.WithField("remaining", len(refs)-i).Warn("stopping before next item")
			break
		}
		r.processItem(ctx, log, att, provider, ref, &hold)
	}

	att.State = StateFinalizing
	wm := hold.watermark(start)
	att.Watermark = wm
	out := integration.SyncOutcome{
		Watermark: wm,
		Status:    integration.StatusConnected,
		SyncedAt:  r.now(),
	}
	if err := r.finish(ctx, in.ID, out); err != nil {
		att.record(KindStore, "", err)
		att.Watermark = nil
		log.WithError(err).Error("failed to persist sync outcome")
	}

	att.State = StateDone
	att.Duration = r.now().Sub(start)
	log.WithFields(logrus.Fields{
		"state":     att.State,
		"processed": att.EmailsProcessed,
		"skipped":   att.EmailsSkipped,
		"threats":   att.ThreatsFound,
		"errors":    len(att.Errors),
		"timed_out": att.TimedOut,
	}).Info("sync pass finished")
	return att
}

func (r *Runner) processItem(ctx context.Context, log *logrus.Entry, att *Attempt, provider MailProvider, ref mail.MessageRef, hold *holdBack) {
	if r.Config.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.ItemTimeout)
		defer cancel()
	}
	ilog := log.WithField("message_id", ref.ID)

	exists, err := r.Store.VerdictExists(ctx, att.TenantID, ref.ID)
	if err != nil {
		att.record(KindDedup, ref.ID, err)
		hold.add(ref.ReceivedAt)
		ilog.WithError(err).Warn("dedup check failed")
		return
	}
	if exists {
		att.EmailsSkipped++
		return
	}

	raw, err := provider.FetchFull(ctx, ref)
	if err != nil {
		att.record(KindFetch, ref.ID, err)
		hold.add(ref.ReceivedAt)
		ilog.WithError(err).Warn("fetch failed")
		return
	}
	received := raw.ReceivedAt
	if received.IsZero() {
		received = ref.ReceivedAt
	}

	verdict, err := r.Pipeline.Process(ctx, raw, att.TenantID)
	if err != nil {
		kind := processKind(err)
		att.record(kind, ref.ID, err)
		// An unparseable message will not parse on a later pass either.
		if kind != KindParse {
			hold.add(received)
		}
		ilog.WithError(err).WithField("kind", kind).Warn("message processing failed")
		return
	}

	att.EmailsProcessed++
	if verdict.IsThreat(r.Config.ThreatThreshold) {
		att.ThreatsFound++
		ilog.WithFields(logrus.Fields{
			"classification": verdict.Classification,
			"overall_score":  verdict.OverallScore,
		}).Info("threat detected")
	}
}

// finish persists the pass outcome. Progress made before a cancellation
// must still land, so the write detaches from the caller's cancellation.
func (r *Runner) finish(ctx context.Context, id string, out integration.SyncOutcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return r.Store.FinishSync(ctx, id, out)
}

func processKind(err error) Kind {
	switch {
	case errors.Is(err, pipeline.ErrParse):
		return KindParse
	case errors.Is(err, pipeline.ErrStore):
		return KindStore
	default:
		return KindAnalyze
	}
}

func (r *Runner) abort(ctx context.Context, log *logrus.Entry, att *Attempt, kind Kind, err error) *Attempt {
	e := att.record(kind, "", err)
	att.State = StateAborted

	out := integration.SyncOutcome{
		Status:    integration.StatusError,
		LastError: e.Error(),
		SyncedAt:  r.now(),
	}
	if ferr := r.finish(ctx, att.IntegrationID, out); ferr != nil {
		att.record(KindStore, "", ferr)
		log.WithError(ferr).Error("failed to persist sync error")
	}

	att.Duration = r.now().Sub(att.StartedAt)
	log.WithError(err).WithFields(logrus.Fields{"state": att.State, "kind": kind}).Error("sync pass aborted")
	return att
}

// holdBack tracks messages left without a verdict so the watermark never
// passes them.
type holdBack struct {
	held     bool
	unknown  bool
	earliest time.Time
}

func (h *holdBack) add(receivedAt time.Time) {
	h.held = true
	if receivedAt.IsZero() {
		h.unknown = true
		return
	}
	if h.earliest.IsZero() || receivedAt.Before(h.earliest) {
		h.earliest = receivedAt
	}
}

// truncated holds back for the messages a full listing left out. An
// oldest-first listing ends at or before every unlisted message; in any
// other order their receive times are unknown.
func (h *holdBack) truncated(refs []mail.MessageRef, oldestFirst bool) {
	if oldestFirst && len(refs) > 0 {
		h.add(refs[len(refs)-1].ReceivedAt)
		return
	}
	h.add(time.Time{})
}

// watermark returns the value to offer for a pass that started at start,
// or nil when it must not move. Provider filters are exclusive at second
// granularity, so a held message keeps the watermark a second before it.
func (h *holdBack) watermark(start time.Time) *time.Time {
	wm := start
	if h.held {
		if h.unknown {
			return nil
		}
		if limit := h.earliest.Truncate(time.Second).Add(-time.Second); limit.Before(wm) {
			wm = limit
		}
	}
	return &wm
}
