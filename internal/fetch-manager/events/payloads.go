package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"background-fetch-service/internal/fetch-manager/coordinator"
)

// Encoding selects the wire format of run events on Kafka.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"

	// HeaderContentType carries the encoding of a message so consumers can
	// decode without configuration.
	HeaderContentType = "content-type"
)

var contentTypes = map[Encoding]string{
	EncodingJSON:     "application/json",
	EncodingProtobuf: "application/x-protobuf",
}

func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingProtobuf, "proto":
		return EncodingProtobuf, nil
	default:
		return "", fmt.Errorf("unknown event encoding %q", s)
	}
}

func (e Encoding) ContentType() string { return contentTypes[e] }

// EncodingFromContentType maps a content-type header back to an Encoding.
// Unknown values fall back to JSON.
func EncodingFromContentType(ct string) Encoding {
	for enc, v := range contentTypes {
		if v == ct {
			return enc
		}
	}
	return EncodingJSON
}

// RunEventPayload is published for every finished run.
type RunEventPayload struct {
	TaskID              string    `json:"task_id"`
	RunID               string    `json:"run_id"`
	Status              string    `json:"status"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	Error               string    `json:"error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextEligibleAt      time.Time `json:"next_eligible_at"`
}

func FromOutcome(o coordinator.Outcome) RunEventPayload {
	return RunEventPayload{
		TaskID:              o.TaskID,
		RunID:               o.RunID,
		Status:              string(o.Status),
		StartedAt:           o.StartedAt.UTC(),
		FinishedAt:          o.FinishedAt.UTC(),
		Error:               o.Error,
		ConsecutiveFailures: o.Record.ConsecutiveFailures,
		NextEligibleAt:      o.Record.NextEligibleAt.UTC(),
	}
}

// Encode serializes p. The protobuf form is a google.protobuf.Struct holding
// the same fields as the JSON form.
func Encode(p RunEventPayload, enc Encoding) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run event: %w", err)
	}
	switch enc {
	case EncodingJSON, "":
		return raw, nil
	case EncodingProtobuf:
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to convert run event: %w", err)
		}
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to convert run event: %w", err)
		}
		return proto.Marshal(s)
	default:
		return nil, fmt.Errorf("unknown event encoding %q", enc)
	}
}

func Decode(data []byte, enc Encoding) (RunEventPayload, error) {
	var p RunEventPayload
	raw := data
	switch enc {
	case EncodingJSON, "":
	case EncodingProtobuf:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return p, fmt.Errorf("failed to unmarshal protobuf run event: %w", err)
		}
		b, err := json.Marshal(s.AsMap())
		if err != nil {
			return p, fmt.Errorf("failed to convert run event: %w", err)
		}
		raw = b
	default:
		return p, fmt.Errorf("unknown event encoding %q", enc)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal run event: %w", err)
	}
	if p.TaskID == "" || p.RunID == "" {
		return p, fmt.Errorf("run event is missing task_id or run_id")
	}
	return p, nil
}
