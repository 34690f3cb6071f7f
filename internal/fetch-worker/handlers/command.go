package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"background-fetch-service/internal/models"
)

const commandParamsSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}},
		"dir": {"type": "string"}
	},
	"required": ["command"],
	"additionalProperties": false
}`

// CommandHandler runs an external program. The process is killed when the
// run budget expires.
type CommandHandler struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

func NewCommandHandler(params string) (models.Handler, error) {
	var h CommandHandler
	if err := json.Unmarshal([]byte(params), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *CommandHandler) Handle(ctx context.Context, inv models.Invocation) error {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(cmd.Environ(),
		"BGFETCH_TASK_ID="+inv.TaskID,
		"BGFETCH_RUN_ID="+inv.RunID,
		fmt.Sprintf("BGFETCH_ATTEMPT=%d", inv.Attempt),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	hlog.CtxInfof(ctx, "CommandHandler: task %s running %s %v", inv.TaskID, c.Command, c.Args)
	err := cmd.Run()
	if ctx.Err() != nil {
		hlog.CtxWarnf(ctx, "CommandHandler: task %s killed on budget expiry", inv.TaskID)
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("command %s failed: %w. Stderr: %s", c.Command, err, stderr.String())
	}
	if stderr.Len() > 0 {
		hlog.CtxWarnf(ctx, "CommandHandler: task %s stderr:\n%s", inv.TaskID, stderr.String())
	}
	hlog.CtxInfof(ctx, "CommandHandler: task %s completed. Stdout: %s", inv.TaskID, stdout.String())
	return nil
}

var _ models.Handler = (*CommandHandler)(nil)
