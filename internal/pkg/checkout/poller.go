// Package checkout waits for a completed checkout to turn into an active
// entitlement, falling back to an on-demand resync when the event feed is slow.
package checkout

import (
	"context"
	"time"

	"github.com/ManuelReschke/PropDocs/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActivated State = "activated"
	StateTimedOut  State = "timed-out"
	StateCanceled  State = "canceled"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 15

	// TimedOutMessage is shown instead of an error: the charge already
	// succeeded, only the entitlement is late.
	TimedOutMessage = "this is taking longer than usual"
	ContinueAction  = "continue"
)

// Source reads and refreshes the entitlement of the user who checked out.
type Source interface {
	Entitlement(ctx context.Context) (entitlements.Snapshot, error)
	Resync(ctx context.Context) (entitlements.Snapshot, error)
}

// Result is the terminal state of one Run.
type Result struct {
	SessionRef string                `json:"session_ref,omitempty"`
	State      State                 `json:"state"`
	Attempts   int                   `json:"attempts"`
	Resynced   bool                  `json:"resynced"`
	Snapshot   entitlements.Snapshot `json:"entitlement"`
	Message    string                `json:"message,omitempty"`
	Action     string                `json:"action,omitempty"`
}

// Poller polls a Source at a fixed interval for at most MaxAttempts reads and
// triggers one resync at the midpoint of the budget.
type Poller struct {
	Source      Source
	Interval    time.Duration
	MaxAttempts int
	// OnState, if set, is called on every state entered.
	OnState func(State)
}

func NewPoller(source Source, interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Poller{Source: source, Interval: interval, MaxAttempts: maxAttempts}
}

// Midpoint is the attempt after which the fallback resync runs.
func (p *Poller) Midpoint() int {
	return (p.MaxAttempts + 1) / 2
}

// Run blocks until the entitlement is active, the attempt budget is spent or
// ctx is done. Canceling ctx only stops waiting; reconciliation on the server
// continues.
func (p *Poller) Run(ctx context.Context, sessionRef string) Result {
	res := Result{SessionRef: sessionRef, State: StateWaiting}
	p.enter(StateWaiting)

	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res.Attempts = attempt
		snap, err := p.Source.Entitlement(ctx)
		if err != nil {
			log.Warnf("[Checkout] %s: poll %d/%d failed: %v", sessionRef, attempt, p.MaxAttempts, err)
		} else {
			res.Snapshot = snap
			if snap.IsActive() {
				res.State = StateActivated
				p.enter(StateActivated)
				return res
			}
		}

		if attempt == p.Midpoint() && !res.Resynced {
			res.Resynced = true
			if snap, err := p.Source.Resync(ctx); err != nil {
				log.Warnf("[Checkout] %s: fallback resync failed: %v", sessionRef, err)
			} else {
				res.Snapshot = snap
			}
		}

		if attempt == p.MaxAttempts {
			break
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.Interval)
		select {
		case <-ctx.Done():
			res.State = StateCanceled
			p.enter(StateCanceled)
			return res
		case <-timer.C:
		}
	}

	res.State = StateTimedOut
	res.Message = TimedOutMessage
	res.Action = ContinueAction
	p.enter(StateTimedOut)
	return res
}

func (p *Poller) enter(s State) {
	if p.OnState != nil {
		p.OnState(s)
	}
}

// Resyncer re-derives one user's entitlement from the provider.
type Resyncer interface {
	Resync(ctx context.Context, userID uint) (entitlements.Snapshot, error)
}

// LocalSource polls in-process, for server-side waits and tests.
type LocalSource struct {
	Reader   entitlements.Reader
	Resyncer Resyncer
	UserID   uint
}

func (s *LocalSource) Entitlement(ctx context.Context) (entitlements.Snapshot, error) {
	return s.Reader.Get(ctx, s.UserID)
}

func (s *LocalSource) Resync(ctx context.Context) (entitlements.Snapshot, error) {
	return s.Resyncer.Resync(ctx, s.UserID)
}
