package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/queue"
)

type fakeStore struct {
	autoExpireCalls int
	upcoming        []projections.Projection
	exactDue        []projections.Projection
}

func (f *fakeStore) AutoExpire(ctx context.Context, thresholdHours int) (int, error) {
	f.autoExpireCalls++
	return 0, nil
}

func (f *fakeStore) GetUpcoming(ctx context.Context, horizonDays int) ([]projections.Projection, error) {
	return f.upcoming, nil
}

func (f *fakeStore) GetExactDue(ctx context.Context, windowMinutes int) ([]projections.Projection, error) {
	return f.exactDue, nil
}

func newTestScheduler(t *testing.T, fs *fakeStore, enqueue func(queue.Message)) *Scheduler {
	t.Helper()
	cfg := Config{
		PrimaryUserID:    "u1",
		PrimaryChannelID: "c1",
		PrimaryPlatform:  "telegram",
		SchedulesPath:    filepath.Join(t.TempDir(), "schedules.json"),
		ProjectionStoreFor: func(userID string) (*projections.Store, error) {
			return nil, nil
		},
		Enqueue: func(m queue.Message) bool {
			enqueue(m)
			return true
		},
	}
	sched, err := New(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	// override resolveStore's backing store with the fake via a thin shim
	sched.cfg.ProjectionStoreFor = nil
	sched.testStore = fs
	return sched
}

func TestCreateScheduleRejectsInvalidCron(t *testing.T) {
	sched := newTestScheduler(t, &fakeStore{}, func(queue.Message) {})
	if _, err := sched.CreateSchedule("u1", "c1", "telegram", "not a cron", "hi"); err == nil {
		t.Fatal("expected invalid cron to be rejected")
	}
	if len(sched.ListSchedules("u1")) != 0 {
		t.Fatal("expected nothing persisted after a failed create")
	}
}

func TestCreateScheduleAndListPersists(t *testing.T) {
	sched := newTestScheduler(t, &fakeStore{}, func(queue.Message) {})
	s, err := sched.CreateSchedule("u1", "c1", "telegram", "*/5 * * * *", "check in")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	got := sched.ListSchedules("u1")
	if len(got) != 1 || got[0].ID != s.ID {
		t.Fatalf("expected schedule to be listed, got %+v", got)
	}

	// reload from disk to confirm persistence
	reloaded, err := New(Config{SchedulesPath: sched.cfg.SchedulesPath, Now: time.Now})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.ListSchedules("u1")) != 1 {
		t.Fatal("expected schedule to survive reload from disk")
	}
}

func TestDeleteScheduleScopedToOwner(t *testing.T) {
	sched := newTestScheduler(t, &fakeStore{}, func(queue.Message) {})
	s, err := sched.CreateSchedule("u1", "c1", "telegram", "0 9 * * *", "morning digest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := sched.DeleteSchedule("u2", s.ID); err != nil || ok {
		t.Fatal("expected delete by a different user to be a no-op")
	}
	ok, err := sched.DeleteSchedule("u1", s.ID)
	if err != nil || !ok {
		t.Fatalf("expected owner delete to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestOperatorJobFiresOnceWithinSameMinute(t *testing.T) {
	var fired []queue.Message
	sched := newTestScheduler(t, &fakeStore{}, func(m queue.Message) { fired = append(fired, m) })
	sched.cfg.OperatorJobs = []OperatorJob{{CronExpr: "* * * * *", Message: "tick"}}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched.runOperatorJobs(now)
	sched.runOperatorJobs(now.Add(10 * time.Second))
	if len(fired) != 1 {
		t.Fatalf("expected exactly one fire within the same minute, got %d", len(fired))
	}
	if fired[0].RawOrigin != "scheduler" {
		t.Fatalf("expected RawOrigin=scheduler, got %q", fired[0].RawOrigin)
	}
}

func TestDailyReviewFiresOnceAt0800UTC(t *testing.T) {
	fs := &fakeStore{upcoming: []projections.Projection{{Summary: "renew passport"}}}
	var fired []queue.Message
	sched := newTestScheduler(t, fs, func(m queue.Message) { fired = append(fired, m) })

	at8 := time.Date(2026, 1, 1, dailyReviewHour, dailyReviewMinute, 0, 0, time.UTC)
	sched.runDailyReview(context.Background(), at8)
	sched.runDailyReview(context.Background(), at8.Add(30*time.Second))

	if fs.autoExpireCalls != 1 {
		t.Fatalf("expected AutoExpire called once, got %d", fs.autoExpireCalls)
	}
	if len(fired) != 1 {
		t.Fatalf("expected exactly one daily review message, got %d", len(fired))
	}
}

func TestExactDueCheckSkipsWhenEmpty(t *testing.T) {
	fs := &fakeStore{}
	var fired []queue.Message
	sched := newTestScheduler(t, fs, func(m queue.Message) { fired = append(fired, m) })

	sched.runExactDueCheck(context.Background(), time.Now().UTC())
	if len(fired) != 0 {
		t.Fatal("expected no message fired when getExactDue returns nothing")
	}
}

func TestExactDueCheckFiresWhenNonEmpty(t *testing.T) {
	fs := &fakeStore{exactDue: []projections.Projection{{Summary: "call dentist"}}}
	var fired []queue.Message
	sched := newTestScheduler(t, fs, func(m queue.Message) { fired = append(fired, m) })

	sched.runExactDueCheck(context.Background(), time.Now().UTC())
	if len(fired) != 1 {
		t.Fatal("expected one message fired for a due projection")
	}
}
