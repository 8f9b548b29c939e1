package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goclaw/internal/queue"
)

// Scheduler is the unified cron driver described by spec.md 4.E.
type Scheduler struct {
	cfg   Config
	gron  gronx.Gronx
	store *scheduleStore

	mu        sync.Mutex
	lastFired map[string]string // job key -> last fired "YYYY-MM-DDTHH:MM" (UTC), dedupes re-ticks inside the same minute
	lastDaily string            // last daily-review date fired (UTC, YYYY-MM-DD)
	lastExact time.Time

	// testStore overrides cfg.ProjectionStoreFor's result in tests, letting
	// the maintenance-job logic be exercised against a fake without a real
	// SQLite-backed ProjectionStore.
	testStore storeAPI
}

// New constructs a Scheduler and loads any persisted agent schedules from
// cfg.SchedulesPath. Loading a missing file is not an error — it just
// means no agent schedules exist yet.
func New(cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	store, err := loadScheduleStore(cfg.SchedulesPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load schedules: %w", err)
	}
	return &Scheduler{
		cfg:       cfg,
		gron:      gronx.New(),
		store:     store,
		lastFired: make(map[string]string),
	}, nil
}

// Run blocks until ctx is cancelled, ticking once a minute. Per spec.md
// §5, cron jobs fire on timer expiry and enqueue rather than running
// agent code directly — this loop never calls an LLM or a tool.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.tick(ctx, s.cfg.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	now = now.UTC()
	s.runOperatorJobs(now)
	s.runAgentSchedules(now)
	s.runDailyReview(ctx, now)
	s.runExactDueCheck(ctx, now)
}

func (s *Scheduler) shouldFire(key string, now time.Time) bool {
	minuteKey := now.Format("2006-01-02T15:04")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFired[key] == minuteKey {
		return false
	}
	s.lastFired[key] = minuteKey
	return true
}

func (s *Scheduler) runOperatorJobs(now time.Time) {
	for i, job := range s.cfg.OperatorJobs {
		if !s.gron.IsValid(job.CronExpr) {
			continue
		}
		due, err := s.gron.IsDue(job.CronExpr, now)
		if err != nil || !due {
			continue
		}
		key := fmt.Sprintf("operator:%d", i)
		if !s.shouldFire(key, now) {
			continue
		}
		s.fire(job.Message, now)
	}
}

func (s *Scheduler) runAgentSchedules(now time.Time) {
	for _, sched := range s.store.list() {
		if !s.gron.IsValid(sched.CronExpr) {
			continue
		}
		due, err := s.gron.IsDue(sched.CronExpr, now)
		if err != nil || !due {
			continue
		}
		key := "agent:" + sched.ID
		if !s.shouldFire(key, now) {
			continue
		}
		s.fireFor(sched.UserID, sched.ChannelID, sched.Platform, sched.Message, now)
	}
}

// runDailyReview fires the 08:00 UTC auto-expire + upcoming-7-days digest
// for the primary user, once per UTC calendar day.
func (s *Scheduler) runDailyReview(ctx context.Context, now time.Time) {
	if now.Hour() != dailyReviewHour || now.Minute() != dailyReviewMinute {
		return
	}
	today := now.Format("2006-01-02")
	s.mu.Lock()
	if s.lastDaily == today {
		s.mu.Unlock()
		return
	}
	s.lastDaily = today
	s.mu.Unlock()

	store, err := s.resolveStore(s.cfg.PrimaryUserID)
	if err != nil {
		s.cfg.Logger.Error("scheduler: daily review store", "error", err)
		return
	}
	if _, err := store.AutoExpire(ctx, autoExpireThreshold); err != nil {
		s.cfg.Logger.Error("scheduler: daily review auto expire", "error", err)
		return
	}
	upcoming, err := store.GetUpcoming(ctx, 7)
	if err != nil {
		s.cfg.Logger.Error("scheduler: daily review get upcoming", "error", err)
		return
	}

	msg := "Daily review: here is what's upcoming in the next 7 days. " +
		"Decide per item whether anything needs action.\n\n" + formatProjectionList(upcoming)
	s.fireFor(s.cfg.PrimaryUserID, s.cfg.PrimaryChannelID, s.cfg.PrimaryPlatform, msg, now)
}

// runExactDueCheck fires every 15 minutes, listing projections due within
// the next hour. exactDueWindowMins (60) exceeds the 15-minute tick so
// nothing falls between checks, per spec.md 4.A's getExactDue contract.
func (s *Scheduler) runExactDueCheck(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if !s.lastExact.IsZero() && now.Sub(s.lastExact) < exactDueEveryMins*time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastExact = now
	s.mu.Unlock()

	store, err := s.resolveStore(s.cfg.PrimaryUserID)
	if err != nil {
		s.cfg.Logger.Error("scheduler: exact due store", "error", err)
		return
	}
	due, err := store.GetExactDue(ctx, exactDueWindowMins)
	if err != nil {
		s.cfg.Logger.Error("scheduler: get exact due", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	msg := "These commitments are due now or very soon:\n\n" + formatProjectionList(due)
	s.fireFor(s.cfg.PrimaryUserID, s.cfg.PrimaryChannelID, s.cfg.PrimaryPlatform, msg, now)
}

func (s *Scheduler) resolveStore(userID string) (storeAPI, error) {
	if s.testStore != nil {
		return s.testStore, nil
	}
	if s.cfg.ProjectionStoreFor == nil {
		return nil, fmt.Errorf("no ProjectionStoreFor configured")
	}
	return s.cfg.ProjectionStoreFor(userID)
}

func (s *Scheduler) fire(text string, now time.Time) {
	s.fireFor(s.cfg.PrimaryUserID, s.cfg.PrimaryChannelID, s.cfg.PrimaryPlatform, text, now)
}

func (s *Scheduler) fireFor(userID, channelID, platform, text string, now time.Time) {
	if s.cfg.Enqueue == nil {
		return
	}
	s.cfg.Enqueue(queue.Message{
		ChannelID:  channelID,
		UserID:     userID,
		Platform:   platform,
		Text:       text,
		RawOrigin:  "scheduler",
		ReceivedAt: now,
	})
}
