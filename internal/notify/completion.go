package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuzu/tutor/internal/store"
	"yuzu/tutor/internal/types"
	"yuzu/tutor/internal/workerws"
)

// CommandTopic is the data topic the listener frontend watches.
const CommandTopic = "command"

type WorkerSender interface {
	SendJSON(ctx context.Context, sessionID string, v any) error
}

// Completion is the tutor.Notifier used in production. It marks the session
// complete, logs the event (which reaches Redis through the store sink) and
// forwards the completion command to the voice worker.
type Completion struct {
	store  *store.Store
	worker WorkerSender
	code   string
	log    *zap.Logger
}

func NewCompletion(st *store.Store, worker WorkerSender, code string, log *zap.Logger) *Completion {
	return &Completion{store: st, worker: worker, code: code, log: log.Named("completion")}
}

func (c *Completion) SessionComplete(ctx context.Context, sessionID string) error {
	if err := c.store.SetStatus(sessionID, types.StatusComplete); err != nil {
		return err
	}
	payload := map[string]any{"topic": CommandTopic}
	if c.code != "" {
		payload["data"] = c.code
	}
	c.store.AppendEvent(sessionID, workerws.TypeSessionComplete, payload)

	msg := workerws.Message{
		Type:      workerws.TypeSessionComplete,
		TsMs:      time.Now().UnixMilli(),
		SessionID: sessionID,
		CommandID: uuid.New().String(),
		Payload:   payload,
	}
	err := c.worker.SendJSON(ctx, sessionID, msg)
	if errors.Is(err, workerws.ErrNoWorker) {
		c.log.Debug("no worker for completion command", zap.String("session_id", sessionID))
		return nil
	}
	return err
}
