package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/protocol"
)

const (
	taskKeyPrefix  = "task:"
	journalListKey = "journal:tasks"
)

// Journal mirrors task lifecycle events into redis for observability.
// It is write-only: the matching path never reads it back, so the relay
// keeps its in-memory state model. A nil Journal (or one built without
// a client) is a no-op.
type Journal struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewJournal(rdb *redis.Client, log *zap.Logger) *Journal {
	return &Journal{rdb: rdb, log: log}
}

// journalEvent is one RPUSHed lifecycle entry.
type journalEvent struct {
	TaskID    string `json:"taskId"`
	Event     string `json:"event"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Record snapshots the task hash and appends the event. Failures are
// logged and swallowed; the journal must never affect matching.
func (j *Journal) Record(ctx context.Context, task *protocol.Task, event string) {
	if j == nil || j.rdb == nil {
		return
	}

	fields := map[string]any{
		"tool":        task.Tool,
		"workspaceId": task.WorkspaceID,
		"status":      string(task.Status),
		"requesterId": task.RequesterID,
		"credits":     task.Credits,
		"createdAt":   task.CreatedAt.Format(time.RFC3339),
	}
	if task.ProviderID != "" {
		fields["providerId"] = task.ProviderID
	}
	if task.CompletedAt != nil {
		fields["completedAt"] = task.CompletedAt.Format(time.RFC3339)
	}
	if task.CommitSummary != "" {
		fields["commitSummary"] = task.CommitSummary
	}
	if err := j.rdb.HSet(ctx, taskKeyPrefix+task.ID, fields).Err(); err != nil {
		j.log.Warn("journal hset failed", zap.String("task", task.ID), zap.Error(err))
		return
	}

	raw, err := json.Marshal(journalEvent{
		TaskID:    task.ID,
		Event:     event,
		Status:    string(task.Status),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := j.rdb.RPush(ctx, journalListKey, raw).Err(); err != nil {
		j.log.Warn("journal rpush failed", zap.String("task", task.ID), zap.Error(err))
	}
}
