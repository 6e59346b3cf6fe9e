package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// AuditShipper is the production AuditAdapter: a fire-and-forget shipper that
// batches events through a small bounded queue and posts them to the hub's
// ingest endpoint. When the queue is full events are dropped with a stderr
// warning; audit transport problems must never block the request path.
type AuditShipper struct {
	endpoint  string
	kernelKey string
	client    *http.Client
	queue     chan *contracts.AuditEvent
	logger    *slog.Logger

	batchSize int
	interval  time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// ShipperOption customises the shipper.
type ShipperOption func(*AuditShipper)

// WithQueueSize bounds the internal queue (default 256).
func WithQueueSize(n int) ShipperOption {
	return func(s *AuditShipper) { s.queue = make(chan *contracts.AuditEvent, n) }
}

// WithFlushInterval overrides the batch flush cadence (default 1s).
func WithFlushInterval(d time.Duration) ShipperOption {
	return func(s *AuditShipper) { s.interval = d }
}

// WithShipperLogger overrides the stderr logger.
func WithShipperLogger(l *slog.Logger) ShipperOption {
	return func(s *AuditShipper) { s.logger = l }
}

// NewAuditShipper creates and starts a shipper posting to hubURL/audit/ingest.
func NewAuditShipper(hubURL, kernelKey string, opts ...ShipperOption) *AuditShipper {
	s := &AuditShipper{
		endpoint:  hubURL + "/audit/ingest",
		kernelKey: kernelKey,
		client:    &http.Client{Timeout: 5 * time.Second},
		queue:     make(chan *contracts.AuditEvent, 256),
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		batchSize: 32,
		interval:  time.Second,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// LogEvent enqueues the event, dropping on a full queue.
func (s *AuditShipper) LogEvent(ctx context.Context, event *contracts.AuditEvent) error {
	select {
	case s.queue <- event:
		return nil
	default:
		s.logger.Warn("audit queue full, dropping event",
			"event_id", event.EventID, "action", event.Action)
		return fmt.Errorf("audit queue full")
	}
}

// Close flushes pending events and stops the worker.
func (s *AuditShipper) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *AuditShipper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var batch []*contracts.AuditEvent
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.ship(batch)
		batch = nil
	}

	for {
		select {
		case event := <-s.queue:
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case event := <-s.queue:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *AuditShipper) ship(batch []*contracts.AuditEvent) {
	data, err := json.Marshal(batch)
	if err != nil {
		s.logger.Error("audit batch marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		s.logger.Error("audit ship request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.kernelKey)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("audit ship failed", "count", len(batch), "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		s.logger.Warn("audit ship rejected", "count", len(batch), "status", resp.StatusCode)
	}
}
