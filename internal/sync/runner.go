// Package sync orchestrates complete sync runs. A run walks a fixed
// sequence: acquire the user's lock, resolve their credential, fetch and
// normalize the source, apply the title filter, rebuild the target, and
// append the outcome to the user's log. A failure at any step ends the run;
// the lock is always released and every attempt yields exactly one outcome.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/calmirror/calmirror/internal/auth"
	"github.com/calmirror/calmirror/internal/calendar"
	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/filter"
	"github.com/calmirror/calmirror/internal/lock"
	"github.com/calmirror/calmirror/internal/metrics"
	"github.com/calmirror/calmirror/internal/model"
	"github.com/calmirror/calmirror/internal/source"
	"github.com/calmirror/calmirror/internal/target"
	"github.com/calmirror/calmirror/internal/userlog"
)

// State names the phases a run moves through. Transitions only go forward,
// except that any phase can jump to StateFailed.
type State string

const (
	StateIdle               State = "idle"
	StateLockAcquired       State = "lock_acquired"
	StateCredentialResolved State = "credential_resolved"
	StateSourceFetched      State = "source_fetched"
	StateFiltered           State = "filtered"
	StateReconciled         State = "reconciled"
	StateLogged             State = "logged"
	StateFailed             State = "failed"
)

// Options wires a Runner. Store, Credentials, Locks, and UserLog are
// required; everything else has a workable zero value.
type Options struct {
	Store       *config.Store
	Credentials auth.Provider
	Locks       *lock.Manager
	UserLog     *userlog.Log

	// Metrics may be nil when no collector is registered.
	Metrics metrics.Recorder

	Logger *slog.Logger

	// Limiter paces calendar API calls across all concurrent runs. Nil
	// means unpaced.
	Limiter *rate.Limiter

	// HTTPClient fetches ICS sources; Cache enables conditional fetches.
	HTTPClient *http.Client
	Cache      *source.Cache
	UserAgent  string

	// MaxAttempts bounds tries per provider call, on the source read as
	// well as every target write. BatchSize and BatchPause shape target
	// writes; see target.Config.
	MaxAttempts int
	BatchSize   int
	BatchPause  time.Duration

	// MaxParallel bounds how many users RunAll syncs at once.
	MaxParallel int

	// NewCalendar builds the calendar client for a run from the user's
	// authenticated HTTP client. Nil selects the real Google client;
	// tests substitute a fake.
	NewCalendar func(ctx context.Context, httpClient *http.Client) (calendar.API, error)
}

// Runner executes sync runs for configured users.
type Runner struct {
	opts Options
}

// NewRunner returns a Runner over the given dependencies.
func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.NewCalendar == nil {
		opts.NewCalendar = func(ctx context.Context, httpClient *http.Client) (calendar.API, error) {
			return calendar.NewClient(ctx, httpClient)
		}
	}
	return &Runner{opts: opts}
}

// RunUser performs one sync attempt for the user and returns its outcome.
// AlreadyRunning, NotFound, and AuthRequired are returned as failure
// outcomes like any other; callers can inspect Reason to tell them apart.
func (r *Runner) RunUser(ctx context.Context, userID string) *model.SyncOutcome {
	runID := uuid.NewString()
	rn := &run{
		runner: r,
		logger: r.opts.Logger.With("user", userID, "run", runID),
		state:  StateIdle,
		outcome: &model.SyncOutcome{
			RunID:     runID,
			UserID:    userID,
			StartedAt: time.Now(),
			Status:    model.StatusSuccess,
		},
	}
	defer rn.finish()

	user, err := r.opts.Store.Get(userID)
	if err != nil {
		return rn.fail(err)
	}
	rn.userKnown = true

	// Compile the filter before anything is locked or fetched: a broken
	// pattern fails the run no matter what the source holds, so find out
	// first.
	flt, err := filter.New(user.RegexPatterns)
	if err != nil {
		return rn.fail(err)
	}

	handle, err := r.opts.Locks.Acquire(userID)
	if err != nil {
		return rn.fail(err)
	}
	defer handle.Release()
	rn.to(StateLockAcquired)

	httpClient, err := r.opts.Credentials.Client(ctx, user)
	if err != nil {
		return rn.fail(err)
	}
	rn.to(StateCredentialResolved)

	api, err := r.opts.NewCalendar(ctx, httpClient)
	if err != nil {
		return rn.fail(fmt.Errorf("failed to build calendar client: %w", err))
	}

	reader, err := source.ForUser(user, source.Options{
		HTTPClient:  r.opts.HTTPClient,
		Cache:       r.opts.Cache,
		UserAgent:   r.opts.UserAgent,
		Calendar:    api,
		MaxAttempts: r.opts.MaxAttempts,
		Logger:      r.opts.Logger,
	})
	if err != nil {
		return rn.fail(err)
	}

	events, err := reader.Fetch(ctx)
	if err != nil {
		return rn.fail(err)
	}
	rn.outcome.Fetched = len(events)
	rn.to(StateSourceFetched)

	kept, excluded := flt.Apply(events)
	rn.outcome.Filtered = excluded
	rn.to(StateFiltered)

	writer := target.NewWriter(api, target.Config{
		CalendarID:  user.TargetID,
		MaxAttempts: r.opts.MaxAttempts,
		BatchSize:   r.opts.BatchSize,
		BatchPause:  r.opts.BatchPause,
	}, r.opts.Limiter, rn.logger)

	result, err := writer.Replace(ctx, kept)
	rn.outcome.Created = result.Created
	rn.outcome.Deleted = result.Deleted
	rn.outcome.Skipped = result.Skipped
	rn.retries = result.Retries
	if err != nil {
		return rn.fail(err)
	}
	rn.to(StateReconciled)

	if result.Skipped > 0 {
		rn.outcome.Status = model.StatusPartial
	}
	return rn.outcome
}

// RunAll syncs every configured user, at most MaxParallel at a time, and
// returns one outcome per user in store order.
func (r *Runner) RunAll(ctx context.Context) ([]*model.SyncOutcome, error) {
	ids, err := r.opts.Store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	outcomes := make([]*model.SyncOutcome, len(ids))
	sem := make(chan struct{}, r.opts.MaxParallel)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = r.RunUser(ctx, id)
		}(i, id)
	}
	wg.Wait()

	return outcomes, nil
}

// run is the state of one attempt.
type run struct {
	runner  *Runner
	logger  *slog.Logger
	state   State
	outcome *model.SyncOutcome
	retries int

	// userKnown is set once the user's config has loaded. Outcomes for
	// unknown users are returned but not appended anywhere; there is no
	// user log to append to.
	userKnown bool
}

func (rn *run) to(next State) {
	rn.logger.Debug("sync state", "from", rn.state, "to", next)
	rn.state = next
}

func (rn *run) fail(err error) *model.SyncOutcome {
	rn.to(StateFailed)
	rn.outcome.Status = model.StatusFailure
	rn.outcome.Reason = model.KindOf(err)
	rn.outcome.Message = err.Error()
	return rn.outcome
}

// finish seals the outcome: duration, user log line, metrics, one summary
// slog record. Deferred from RunUser, so it runs exactly once per attempt.
func (rn *run) finish() {
	rn.outcome.Duration = time.Since(rn.outcome.StartedAt)

	if rn.userKnown {
		if err := rn.runner.opts.UserLog.AppendOutcome(rn.outcome); err != nil {
			rn.logger.Warn("failed to append user log", "error", err)
		} else if rn.state != StateFailed {
			rn.to(StateLogged)
		}
	}

	if rec := rn.runner.opts.Metrics; rec != nil {
		rec.RecordRun(rn.outcome)
		rec.RecordRetries(rn.retries)
	}

	switch rn.outcome.Status {
	case model.StatusFailure:
		rn.logger.Error("sync failed",
			"reason", rn.outcome.Reason,
			"error", rn.outcome.Message,
			"duration", rn.outcome.Duration)
	default:
		rn.logger.Info("sync finished",
			"status", rn.outcome.Status,
			"fetched", rn.outcome.Fetched,
			"filtered", rn.outcome.Filtered,
			"created", rn.outcome.Created,
			"deleted", rn.outcome.Deleted,
			"skipped", rn.outcome.Skipped,
			"duration", rn.outcome.Duration)
	}

	rn.to(StateIdle)
}
