package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"intervia-backend/internal/models"
	"intervia-backend/internal/services"
)

// Pool drains the session timer queue. Tasks are delivered at least once
// (the sweep loop redelivers unacked tasks), so every handler behind
// ExecuteTask is idempotent; the per-task lock just keeps two workers from
// doing the same work simultaneously.
type Pool struct {
	redis       *redis.Client
	timers      *services.TimerService
	workerCount int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, timers *services.TimerService, workerCount int) *Pool {
	return &Pool{
		redis:       redisClient,
		timers:      timers,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}

	log.Printf("Started %d timer worker goroutines", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Timer worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, services.TimerQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}

		if len(result) < 2 {
			continue
		}

		var task models.ScheduledTask
		if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
			log.Printf("Timer worker %d: failed to parse task: %v", id, err)
			continue
		}

		// Try to acquire lock
		lockKey := fmt.Sprintf("task_lock:%s", task.ID.String())
		locked, err := p.redis.SetNX(ctx, lockKey, "1", 5*time.Minute).Result()
		if err != nil || !locked {
			continue // Another worker has this task
		}

		log.Printf("Timer worker %d: executing task %s (type: %s, session: %s)", id, task.ID, task.Type, task.SessionID)

		if execErr := p.timers.ExecuteTask(ctx, &task); execErr != nil {
			p.handleFailure(ctx, &task, execErr)
		} else {
			if ackErr := p.timers.MarkTaskDone(ctx, task.ID); ackErr != nil {
				log.Printf("Timer worker %d: failed to ack task %s: %v", id, task.ID, ackErr)
			}
		}

		// Release lock
		p.redis.Del(ctx, lockKey)
	}
}

func (p *Pool) handleFailure(ctx context.Context, task *models.ScheduledTask, err error) {
	task.RetryCount++
	errMsg := err.Error()

	if task.RetryCount < 3 {
		// Re-queue with backoff
		log.Printf("Task %s failed (attempt %d): %s, retrying", task.ID, task.RetryCount, errMsg)

		taskBytes, _ := json.Marshal(task)
		backoff := time.Duration(1<<uint(task.RetryCount)) * time.Second
		time.AfterFunc(backoff, func() {
			p.redis.LPush(context.Background(), services.TimerQueue, string(taskBytes))
		})
	} else {
		// Max retries reached
		log.Printf("Task %s failed permanently: %s", task.ID, errMsg)
		if markErr := p.timers.MarkTaskFailed(ctx, task.ID, task.RetryCount); markErr != nil {
			log.Printf("Failed to mark task %s as failed: %v", task.ID, markErr)
		}
	}
}
