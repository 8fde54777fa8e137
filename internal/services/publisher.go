package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"intervia-backend/internal/models"
)

// StatusPublisher fans session updates out to the WebSocket hub via Redis
// pub/sub.
type StatusPublisher struct {
	redis *redis.Client
}

func NewStatusPublisher(redisClient *redis.Client) *StatusPublisher {
	return &StatusPublisher{redis: redisClient}
}

func (p *StatusPublisher) PublishSessionUpdate(ctx context.Context, userID uuid.UUID, update models.SessionUpdate) {
	data, _ := json.Marshal(models.WSMessage{
		Type:    "session_update",
		Payload: update,
	})
	p.redis.Publish(ctx, fmt.Sprintf("user_updates:%s", userID.String()), string(data))
}
