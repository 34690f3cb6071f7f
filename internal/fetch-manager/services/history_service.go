package services

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"

	"background-fetch-service/internal/fetch-manager/coordinator"
	fetchDB "background-fetch-service/internal/fetch-manager/db"
	"background-fetch-service/internal/fetch-manager/events"
	"background-fetch-service/internal/fetch-manager/store"
)

const DefaultHistoryGroupID = "fetch-scheduler-history-group"

// MessageReader is the part of *kafka.Reader the history consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewHistoryReader(brokers []string, topic, groupID string) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers, GroupID: groupID, Topic: topic,
		MinBytes: 1, MaxBytes: 10e6, CommitInterval: time.Second, MaxWait: 3 * time.Second,
	})
	hlog.Infof("Kafka consumer for run events configured for topic: %s, groupID: %s", topic, groupID)
	return reader
}

// HistoryService records finished runs in the run history table. It either
// consumes run events from Kafka or is used directly as a coordinator
// Reporter when Kafka is disabled.
type HistoryService struct {
	Store  *store.GormStore
	Reader MessageReader
}

func NewHistoryService(st *store.GormStore, reader MessageReader) *HistoryService {
	return &HistoryService{Store: st, Reader: reader}
}

func (s *HistoryService) Record(ctx context.Context, p events.RunEventPayload) error {
	row := &fetchDB.RunHistory{
		TaskID:              p.TaskID,
		RunID:               p.RunID,
		Status:              p.Status,
		StartedAt:           p.StartedAt.UTC(),
		FinishedAt:          p.FinishedAt.UTC(),
		Error:               p.Error,
		ConsecutiveFailures: p.ConsecutiveFailures,
	}
	if !p.NextEligibleAt.IsZero() {
		next := p.NextEligibleAt.UTC()
		row.NextEligibleAt = &next
	}
	return s.Store.RecordRun(ctx, row)
}

func (s *HistoryService) Report(ctx context.Context, outcome coordinator.Outcome) error {
	if outcome.RunID == "" {
		return nil
	}
	return s.Record(ctx, events.FromOutcome(outcome))
}

func (s *HistoryService) History(ctx context.Context, taskID string, limit int) ([]fetchDB.RunHistory, error) {
	return s.Store.History(ctx, taskID, limit)
}

// StartConsuming reads run events until ctx is cancelled or the reader is
// closed.
func (s *HistoryService) StartConsuming(ctx context.Context) {
	if s.Reader == nil {
		return
	}
	hlog.Info("HistoryService starting to consume run events...")
	go s.consume(ctx)
}

func (s *HistoryService) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			hlog.Info("HistoryService: context cancelled, stopping consumer.")
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := s.Reader.ReadMessage(readCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, context.Canceled):
			hlog.Info("HistoryService: read context cancelled.")
			return
		case errors.Is(err, io.EOF):
			hlog.Info("HistoryService: Kafka reader closed (EOF), stopping consumption.")
			return
		default:
			hlog.Errorf("HistoryService: error reading message: %v", err)
			time.Sleep(time.Second)
			continue
		}

		enc := events.EncodingJSON
		for _, h := range msg.Headers {
			if h.Key == events.HeaderContentType {
				enc = events.EncodingFromContentType(string(h.Value))
			}
		}
		payload, err := events.Decode(msg.Value, enc)
		if err != nil {
			hlog.Warnf("HistoryService: dropping undecodable message at partition %d offset %d: %v", msg.Partition, msg.Offset, err)
			continue
		}
		if err := s.Record(ctx, payload); err != nil {
			hlog.Errorf("HistoryService: failed to record run %s of %s: %v", payload.RunID, payload.TaskID, err)
			continue
		}
		hlog.Debugf("HistoryService: recorded run %s of %s (%s)", payload.RunID, payload.TaskID, payload.Status)
	}
}

func (s *HistoryService) Close() {
	if s.Reader != nil {
		hlog.Info("HistoryService: closing Kafka reader.")
		if err := s.Reader.Close(); err != nil {
			hlog.Warnf("HistoryService: error closing Kafka reader: %v", err)
		}
	}
}

var _ coordinator.Reporter = (*HistoryService)(nil)
