package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"background-fetch-service/internal/models"
)

const echoParamsSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"sleep_ms": {"type": "integer", "minimum": 0},
		"fail": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// EchoHandler logs its message. It can be told to take a while or to fail,
// which makes it useful for exercising budgets and backoff.
type EchoHandler struct {
	Message string `json:"message"`
	SleepMS int    `json:"sleep_ms"`
	Fail    bool   `json:"fail"`
}

func NewEchoHandler(params string) (models.Handler, error) {
	var h EchoHandler
	if err := json.Unmarshal([]byte(params), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (e *EchoHandler) Handle(ctx context.Context, inv models.Invocation) error {
	hlog.CtxInfof(ctx, "EchoHandler: task %s run %s attempt %d: %s", inv.TaskID, inv.RunID, inv.Attempt, e.Message)
	if e.SleepMS > 0 {
		timer := time.NewTimer(time.Duration(e.SleepMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if e.Fail {
		return errors.New("echo handler configured to fail")
	}
	return nil
}

var _ models.Handler = (*EchoHandler)(nil)
