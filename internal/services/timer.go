package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"intervia-backend/internal/models"
)

// TimerQueue is the Redis list the sweep loop feeds and the worker pool
// drains.
const TimerQueue = "queue:session-timers"

const (
	sweepInterval = 5 * time.Second
	sweepBatch    = 100
	// redeliverAfter is how long a dispatched task stays off the sweep
	// radar. If the worker dies before acking, the task comes back.
	redeliverAfter = time.Minute
)

// sessionFinalizer breaks the construction cycle between the session service
// and the timer service: timers force-fail sessions through it.
type sessionFinalizer interface {
	MarkFailed(ctx context.Context, sessionID uuid.UUID, code, message string) error
}

// creditDebitor charges a session, exactly once across all callers.
type creditDebitor interface {
	Debit(ctx context.Context, sessionID uuid.UUID) error
}

// TimerService owns durable deferred work: the charge-commitment check at
// the billing threshold and the stale-setup cleanup. Tasks live in Postgres
// and survive restarts; a sweep loop pushes due tasks onto a Redis queue for
// the worker pool.
type TimerService struct {
	sessions  sessionRepository
	credits   creditDebitor
	tasks     taskRepository
	redis     *redis.Client
	finalizer sessionFinalizer
	now       func() time.Time
	stopChan  chan struct{}
}

func NewTimerService(sessions sessionRepository, credits creditDebitor, tasks taskRepository, redisClient *redis.Client) *TimerService {
	return &TimerService{
		sessions: sessions,
		credits:  credits,
		tasks:    tasks,
		redis:    redisClient,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// SetFinalizer wires the session service in after both are constructed.
func (t *TimerService) SetFinalizer(f sessionFinalizer) {
	t.finalizer = f
}

// OnCreated schedules the stale-setup cleanup for a fresh session.
func (t *TimerService) OnCreated(ctx context.Context, sessionID, userID uuid.UUID) error {
	return t.tasks.Schedule(ctx, &models.ScheduledTask{
		SessionID: sessionID,
		UserID:    userID,
		Type:      models.TaskStaleSetupCleanup,
		RunAt:     t.now().Add(setupTimeout),
	})
}

// OnActivated schedules the charge-commitment check to fire at the billing
// threshold, measured from started_at.
func (t *TimerService) OnActivated(ctx context.Context, sessionID, userID uuid.UUID, startedAt time.Time) error {
	return t.tasks.Schedule(ctx, &models.ScheduledTask{
		SessionID: sessionID,
		UserID:    userID,
		Type:      models.TaskChargeCommit,
		RunAt:     startedAt.Add(MinBillableSeconds * time.Second),
	})
}

// EnsureCharge commits the session charge if the session has crossed the
// billing threshold and has not been charged yet. Idempotent: the debit
// itself is guarded by a compare-and-swap, so the timer firing, the
// end-session handler, and a redelivered task can all call this safely.
func (t *TimerService) EnsureCharge(ctx context.Context, sessionID uuid.UUID) error {
	session, err := t.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.ChargeCommittedAt != nil {
		return nil
	}
	if session.Status != models.StatusActive && session.Status != models.StatusAnalyzing {
		return nil
	}
	if session.StartedAt == nil {
		return nil
	}

	var elapsed int
	if session.DurationSeconds != nil {
		elapsed = *session.DurationSeconds
	} else {
		elapsed = int(t.now().Sub(*session.StartedAt).Seconds())
	}
	if elapsed < MinBillableSeconds {
		return nil
	}
	return t.credits.Debit(ctx, sessionID)
}

// CleanupStaleSetup fails a session that never left "setup", releasing the
// user's open-session slot. A no-op for sessions that progressed.
func (t *TimerService) CleanupStaleSetup(ctx context.Context, sessionID uuid.UUID) error {
	session, err := t.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.StatusSetup {
		return nil
	}
	return t.finalizer.MarkFailed(ctx, sessionID, "TIMEOUT", "Session setup timed out")
}

// ExecuteTask dispatches a dequeued task. Handlers must stay idempotent;
// the queue delivers at least once.
func (t *TimerService) ExecuteTask(ctx context.Context, task *models.ScheduledTask) error {
	switch task.Type {
	case models.TaskChargeCommit:
		return t.EnsureCharge(ctx, task.SessionID)
	case models.TaskStaleSetupCleanup:
		return t.CleanupStaleSetup(ctx, task.SessionID)
	default:
		log.Printf("unknown scheduled task type %q (task %s), dropping", task.Type, task.ID)
		return nil
	}
}

// MarkTaskDone acks a task after successful execution.
func (t *TimerService) MarkTaskDone(ctx context.Context, taskID uuid.UUID) error {
	return t.tasks.MarkDone(ctx, taskID)
}

// MarkTaskFailed gives up on a task after the worker exhausts retries.
func (t *TimerService) MarkTaskFailed(ctx context.Context, taskID uuid.UUID, retryCount int) error {
	return t.tasks.MarkFailed(ctx, taskID, retryCount)
}

// Start runs the sweep loop until Stop is called. Due tasks are pushed to
// the worker queue and deferred in Postgres so a crashed worker gets them
// redelivered.
func (t *TimerService) Start() {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		log.Println("Session timer sweep started")
		for {
			select {
			case <-ticker.C:
				t.sweep(context.Background())
			case <-t.stopChan:
				log.Println("Session timer sweep stopped")
				return
			}
		}
	}()
}

func (t *TimerService) Stop() {
	close(t.stopChan)
}

func (t *TimerService) sweep(ctx context.Context) {
	now := t.now()
	due, err := t.tasks.Due(ctx, now, sweepBatch)
	if err != nil {
		log.Printf("timer sweep query failed: %v", err)
		return
	}

	for _, task := range due {
		payload, err := json.Marshal(task)
		if err != nil {
			log.Printf("failed to marshal task %s: %v", task.ID, err)
			continue
		}
		if err := t.redis.LPush(ctx, TimerQueue, payload).Err(); err != nil {
			log.Printf("failed to enqueue task %s: %v", task.ID, err)
			continue
		}
		if err := t.tasks.Defer(ctx, task.ID, now.Add(redeliverAfter), task.RetryCount); err != nil {
			log.Printf("failed to defer task %s: %v", task.ID, err)
		}
	}
}
