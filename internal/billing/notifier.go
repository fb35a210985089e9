package billing

import (
	"context"
	"encoding/json"
	"time"

	"voicemeter/internal/logging"
	"voicemeter/internal/models"
	"voicemeter/internal/money"
)

const (
	DefaultLowBalanceThreshold int64 = 1400
	DefaultNotifyCooldown            = 24 * time.Hour
)

const (
	NotifySent       = "sent"
	NotifyCooldown   = "cooldown"
	NotifySufficient = "sufficient"
	NotifyFailed     = "failed"
)

// Dispatcher delivers a low-balance alert. It retries transient transport
// errors itself; a transient error returned here means those retries ran out.
type Dispatcher interface {
	SendLowBalanceAlert(ctx context.Context, email, name string, balance int64) error
}

type NotifyStore interface {
	GetOrCreateBalance(ctx context.Context, userID string) (models.Balance, bool, error)
	MarkNotified(ctx context.Context, userID string, at time.Time) error
}

type Recipient struct {
	UserID string
	Email  string
	Name   string
}

type NotifyResult struct {
	Status           string `json:"status"`
	Balance          int64  `json:"-"`
	NewAccount       bool   `json:"new_account"`
	RemainingHours   int    `json:"remaining_hours,omitempty"`
	RemainingMinutes int    `json:"remaining_minutes,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (r NotifyResult) MarshalJSON() ([]byte, error) {
	type plain NotifyResult
	return json.Marshal(struct {
		plain
		Balance string `json:"balance"`
	}{plain(r), money.FormatMinor(r.Balance)})
}

type Notifier struct {
	store      NotifyStore
	dispatcher Dispatcher
	clock      Clock
	locker     Locker
	threshold  int64
	cooldown   time.Duration
	logger     logging.Logger
}

type NotifierOption func(*Notifier)

func WithThreshold(minor int64) NotifierOption {
	return func(n *Notifier) { n.threshold = minor }
}

func WithCooldown(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.cooldown = d }
}

func WithClock(c Clock) NotifierOption {
	return func(n *Notifier) { n.clock = c }
}

// WithLocker shares the per-user notify lock with other processes, e.g. the
// sweeper and the API server.
func WithLocker(l Locker) NotifierOption {
	return func(n *Notifier) { n.locker = l }
}

func NewNotifier(store NotifyStore, dispatcher Dispatcher, logger logging.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		store:      store,
		dispatcher: dispatcher,
		clock:      SystemClock{},
		threshold:  DefaultLowBalanceThreshold,
		cooldown:   DefaultNotifyCooldown,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = logging.NewLogger("error")
	}
	if n.locker == nil {
		n.locker = NewLocalLocker()
	}
	return n
}

func (n *Notifier) Threshold() int64 {
	return n.threshold
}

// Check loads (or lazily creates) the balance and evaluates it.
func (n *Notifier) Check(ctx context.Context, rcpt Recipient) (NotifyResult, error) {
	unlock, err := n.lock(ctx, rcpt.UserID)
	if err != nil {
		return NotifyResult{}, err
	}
	defer unlock()
	balance, created, err := n.store.GetOrCreateBalance(ctx, rcpt.UserID)
	if err != nil {
		return NotifyResult{}, asInternal("load balance", err)
	}
	return n.evaluate(ctx, rcpt, balance, created)
}

// Evaluate decides whether to alert for an already-loaded balance. A freshly
// created row always alerts. last_notified_at is written only after a dispatch
// attempt returns, and only when the outcome was not transient, so a lost
// email leaves the user eligible on the next check.
//
// The caller's row may predate an alert sent by a concurrent check, so the
// stored last_notified_at is re-read under the user's notify lock and the
// later of the two wins.
func (n *Notifier) Evaluate(ctx context.Context, rcpt Recipient, balance models.Balance, created bool) (NotifyResult, error) {
	unlock, err := n.lock(ctx, rcpt.UserID)
	if err != nil {
		return NotifyResult{}, err
	}
	defer unlock()
	current, _, err := n.store.GetOrCreateBalance(ctx, rcpt.UserID)
	if err != nil {
		return NotifyResult{}, asInternal("load balance", err)
	}
	if last := current.LastNotifiedAt; last != nil && (balance.LastNotifiedAt == nil || last.After(*balance.LastNotifiedAt)) {
		balance.LastNotifiedAt = last
		created = false
	}
	return n.evaluate(ctx, rcpt, balance, created)
}

func (n *Notifier) lock(ctx context.Context, userID string) (func(), error) {
	unlock, err := n.locker.Lock(ctx, "notify:"+userID)
	if err != nil {
		return nil, NewError(KindTransient, "low balance check already in progress", err)
	}
	return unlock, nil
}

func (n *Notifier) evaluate(ctx context.Context, rcpt Recipient, balance models.Balance, created bool) (NotifyResult, error) {
	result := NotifyResult{Balance: balance.Balance, NewAccount: created}
	if !created && balance.Balance >= n.threshold {
		result.Status = NotifySufficient
		return result, nil
	}
	now := n.clock.Now()
	if !created && balance.LastNotifiedAt != nil {
		elapsed := now.Sub(*balance.LastNotifiedAt)
		if elapsed < n.cooldown {
			remaining := n.cooldown - elapsed
			result.Status = NotifyCooldown
			result.RemainingHours = int(remaining / time.Hour)
			result.RemainingMinutes = int((remaining % time.Hour) / time.Minute)
			return result, nil
		}
	}

	log := n.logger.WithFields(logging.Fields{"user_id": rcpt.UserID, "balance": balance.Balance})
	sendErr := n.dispatcher.SendLowBalanceAlert(ctx, rcpt.Email, rcpt.Name, balance.Balance)
	switch {
	case sendErr == nil:
		result.Status = NotifySent
		log.Info("low balance alert sent")
	case IsTransient(sendErr):
		result.Status = NotifyFailed
		result.Error = sendErr.Error()
		log.WithField("error", sendErr).Warn("low balance alert not delivered, will retry next check")
		return result, nil
	default:
		result.Status = NotifyFailed
		result.Error = sendErr.Error()
		log.WithField("error", sendErr).Error("low balance alert rejected")
	}
	if err := n.store.MarkNotified(ctx, rcpt.UserID, now); err != nil {
		log.WithField("error", err).Error("failed to record notification time")
	}
	return result, nil
}
