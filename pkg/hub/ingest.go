package hub

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// Ingest accepts kernel audit events: indexed fields go to the hot table
// synchronously, the full sanitised event goes to cold blob storage through a
// background worker when the organisation has cold storage enabled.
type Ingest struct {
	store  Store
	blobs  BlobStore
	logger *slog.Logger

	queue chan coldItem
	wg    sync.WaitGroup
	once  sync.Once
	stop  chan struct{}
}

type coldItem struct {
	eventID string
	payload []byte
}

// IngestOption customises the ingest pipeline.
type IngestOption func(*Ingest)

// WithColdQueueSize bounds the background archival queue (default 1024).
func WithColdQueueSize(n int) IngestOption {
	return func(i *Ingest) { i.queue = make(chan coldItem, n) }
}

// WithIngestLogger overrides the logger.
func WithIngestLogger(l *slog.Logger) IngestOption {
	return func(i *Ingest) { i.logger = l }
}

// NewIngest creates the pipeline and starts its archival worker. blobs may be
// nil when no organisation uses cold storage.
func NewIngest(store Store, blobs BlobStore, opts ...IngestOption) *Ingest {
	i := &Ingest{
		store:  store,
		blobs:  blobs,
		logger: slog.Default(),
		queue:  make(chan coldItem, 1024),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}

	i.wg.Add(1)
	go i.archiveLoop()
	return i
}

// Close drains the archival queue and stops the worker.
func (i *Ingest) Close() {
	i.once.Do(func() { close(i.stop) })
	i.wg.Wait()
}

// Accept projects each event into the hot index and enqueues cold archival.
// Per-event failures never fail the batch; the response carries the count
// that made it into the hot table. Duplicate event ids are dropped silently.
func (i *Ingest) Accept(ctx context.Context, org *Organisation, events []*contracts.AuditEvent) *contracts.IngestResponse {
	resp := &contracts.IngestResponse{OK: true}

	for _, event := range events {
		if event.EventID == "" {
			continue
		}
		row := ProjectHotRow(org.ID, event)
		if err := i.store.InsertHotRow(ctx, row); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				continue
			}
			i.logger.Warn("hot row insert failed", "event_id", event.EventID, "error", err)
			continue
		}
		resp.Accepted++
		resp.IDs = append(resp.IDs, event.EventID)

		if org.ColdStorageEnabled && i.blobs != nil {
			i.enqueueCold(event)
		}
	}
	return resp
}

func (i *Ingest) enqueueCold(event *contracts.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		i.logger.Warn("cold archive marshal failed", "event_id", event.EventID, "error", err)
		return
	}
	select {
	case i.queue <- coldItem{eventID: event.EventID, payload: payload}:
	default:
		i.logger.Warn("cold archive queue full, dropping", "event_id", event.EventID)
	}
}

func (i *Ingest) archiveLoop() {
	defer i.wg.Done()
	for {
		select {
		case item := <-i.queue:
			i.archive(item)
		case <-i.stop:
			for {
				select {
				case item := <-i.queue:
					i.archive(item)
				default:
					return
				}
			}
		}
	}
}

func (i *Ingest) archive(item coldItem) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(item.payload); err != nil {
		i.logger.Warn("cold archive gzip failed", "event_id", item.eventID, "error", err)
		return
	}
	if err := gz.Close(); err != nil {
		i.logger.Warn("cold archive gzip failed", "event_id", item.eventID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := i.blobs.Put(ctx, item.eventID, buf.Bytes()); err != nil {
		i.logger.Warn("cold archive put failed", "event_id", item.eventID, "error", err)
	}
}

// FetchArchived retrieves one archived event from cold storage by id,
// decompressing it back to the full sanitised event.
func (i *Ingest) FetchArchived(ctx context.Context, eventID string) (*contracts.AuditEvent, error) {
	if i.blobs == nil {
		return nil, ErrNotFound
	}
	data, err := i.blobs.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var event contracts.AuditEvent
	if err := json.NewDecoder(gz).Decode(&event); err != nil {
		return nil, err
	}
	return &event, nil
}

// DecodeIngestBody parses the ingest payload, which may be one event or an
// array. Any request_payload key smuggled into an event object is dropped
// before decoding: by contract it is never stored.
func DecodeIngestBody(data []byte) ([]*contracts.AuditEvent, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(trimmed)}
	}

	events := make([]*contracts.AuditEvent, 0, len(raws))
	for _, raw := range raws {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		delete(obj, "request_payload")
		clean, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		var event contracts.AuditEvent
		if err := json.Unmarshal(clean, &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, nil
}
