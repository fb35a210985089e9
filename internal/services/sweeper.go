package services

import (
	"context"
	"sync"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/metrics"
	"voicemeter/internal/models"
	"voicemeter/internal/store"

	"golang.org/x/sync/errgroup"
)

const (
	SweepLowBalance = "low_balance"
	SweepReconcile  = "reconcile"
)

type RecipientLister interface {
	ListBelow(ctx context.Context, threshold int64) ([]store.BalanceRecipient, error)
}

type SweepSummary struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Sweeper runs the periodic per-user jobs. A failing user is logged and
// counted; it never stops the rest of the sweep.
type Sweeper struct {
	recipients  RecipientLister
	users       UserDirectory
	metering    *MeteringService
	notifier    *billing.Notifier
	metrics     *metrics.Metrics
	logger      logging.Logger
	concurrency int
}

func NewSweeper(recipients RecipientLister, users UserDirectory, metering *MeteringService, notifier *billing.Notifier, m *metrics.Metrics, logger logging.Logger, concurrency int) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.NewLogger("error")
	}
	return &Sweeper{
		recipients:  recipients,
		users:       users,
		metering:    metering,
		notifier:    notifier,
		metrics:     m,
		logger:      logger,
		concurrency: concurrency,
	}
}

// SweepLowBalances alerts every user under the notifier threshold, honoring
// each user's cooldown.
func (s *Sweeper) SweepLowBalances(ctx context.Context) (SweepSummary, error) {
	rows, err := s.recipients.ListBelow(ctx, s.notifier.Threshold())
	if err != nil {
		return SweepSummary{Sweep: SweepLowBalance}, err
	}
	tally := newTally(SweepLowBalance)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			balance := models.Balance{UserID: row.UserID, Balance: row.Balance, LastNotifiedAt: row.LastNotifiedAt}
			result, err := s.notifier.Evaluate(ctx, billing.Recipient{UserID: row.UserID, Email: row.Email, Name: row.Username}, balance, false)
			if err == nil && result.Status != billing.NotifyFailed {
				s.metrics.ObserveNotification(result.Status)
				tally.ok()
				return nil
			}
			if err == nil {
				s.metrics.ObserveNotification(result.Status)
			}
			s.fail(SweepLowBalance, row.UserID, err, result.Error)
			tally.fail()
			return nil
		})
	}
	_ = g.Wait()
	return tally.summary(), nil
}

// ReconcileAll bills new usage for every user with a configured agent.
func (s *Sweeper) ReconcileAll(ctx context.Context) (SweepSummary, error) {
	users, err := s.users.ListWithAgents(ctx)
	if err != nil {
		return SweepSummary{Sweep: SweepReconcile}, err
	}
	tally := newTally(SweepReconcile)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, user := range users {
		user := user
		g.Go(func() error {
			if _, err := s.metering.ReconcileUser(ctx, user); err != nil {
				s.fail(SweepReconcile, user.ID, err, "")
				tally.fail()
				return nil
			}
			tally.ok()
			return nil
		})
	}
	_ = g.Wait()
	return tally.summary(), nil
}

func (s *Sweeper) fail(sweep, userID string, err error, detail string) {
	s.metrics.ObserveSweepFailure(sweep)
	fields := logging.Fields{"sweep": sweep, "user_id": userID}
	if err != nil {
		fields["error"] = err
		fields["kind"] = billing.KindOf(err)
	}
	if detail != "" {
		fields["detail"] = detail
	}
	s.logger.WithFields(fields).Warn("sweep step failed")
}

type tally struct {
	mu sync.Mutex
	s  SweepSummary
}

func newTally(sweep string) *tally {
	return &tally{s: SweepSummary{Sweep: sweep}}
}

func (t *tally) ok() {
	t.mu.Lock()
	t.s.Processed++
	t.s.Succeeded++
	t.mu.Unlock()
}

func (t *tally) fail() {
	t.mu.Lock()
	t.s.Processed++
	t.s.Failed++
	t.mu.Unlock()
}

func (t *tally) summary() SweepSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
