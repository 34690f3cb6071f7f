package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"background-fetch-service/internal/models"
)

const httpParamsSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "pattern": "^https?://"},
		"method": {"enum": ["GET", "HEAD", "POST"]},
		"body": {"type": "string"},
		"expect_status": {"type": "integer", "minimum": 100, "maximum": 599}
	},
	"required": ["url"],
	"additionalProperties": false
}`

// HTTPFetchHandler performs one HTTP request per run. A status of 400 or more
// (or anything other than ExpectStatus when set) fails the run.
type HTTPFetchHandler struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	Body         string `json:"body"`
	ExpectStatus int    `json:"expect_status"`

	client *client.Client
}

func NewHTTPFetchHandler(params string) (models.Handler, error) {
	var h HTTPFetchHandler
	if err := json.Unmarshal([]byte(params), &h); err != nil {
		return nil, err
	}
	if h.Method == "" {
		h.Method = consts.MethodGet
	}
	c, err := client.NewClient(client.WithDialTimeout(5 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	h.client = c
	return &h, nil
}

func (h *HTTPFetchHandler) Handle(ctx context.Context, inv models.Invocation) error {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(h.URL)
	req.SetMethod(h.Method)
	req.Header.Set("X-Background-Fetch-Task", inv.TaskID)
	req.Header.Set("X-Background-Fetch-Run", inv.RunID)
	if h.Body != "" {
		req.SetBodyString(h.Body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := h.client.DoDeadline(ctx, req, resp, deadline); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w", h.Method, h.URL, err)
	}
	status := resp.StatusCode()
	if (h.ExpectStatus != 0 && status != h.ExpectStatus) || (h.ExpectStatus == 0 && status >= 400) {
		return fmt.Errorf("%s %s: unexpected status %d: %s", h.Method, h.URL, status, strings.TrimSpace(string(resp.Body())))
	}
	hlog.CtxInfof(ctx, "HTTPFetchHandler: task %s fetched %s (%d, %d bytes)", inv.TaskID, h.URL, status, len(resp.Body()))
	return nil
}

var _ models.Handler = (*HTTPFetchHandler)(nil)
