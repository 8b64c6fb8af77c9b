package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonical"
)

// BlobWriter is the slice of object storage the exporter needs.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Exporter drains pending events into immutable JSONL batches under
// <service>/<yyyy-mm-dd>/batch-<n>.jsonl.gz. Batch numbers restart daily.
// A failed upload rolls the claimed events back to retry; after
// maxExportAttempts the store parks them as failed for operator attention.
type Exporter struct {
	store     Store
	blobs     BlobWriter
	service   string
	batchSize int
	now       func() time.Time
	log       *slog.Logger
}

// NewExporter wires an exporter. service prefixes every object key.
func NewExporter(store Store, blobs BlobWriter, service string, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Exporter{
		store:     store,
		blobs:     blobs,
		service:   service,
		batchSize: batchSize,
		now:       time.Now,
		log:       slog.Default().With("component", "audit-export"),
	}
}

// RunOnce claims one batch, writes it to object storage and records the
// outcome. It returns the number of events archived.
func (e *Exporter) RunOnce(ctx context.Context) (int, error) {
	events, err := e.store.FetchPendingExport(ctx, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("audit: claim export batch: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}

	day := e.now().UTC().Format("2006-01-02")
	n, err := e.store.NextBatchNumber(ctx, day)
	if err != nil {
		_ = e.store.MarkExportResult(ctx, ids, "", false, err.Error())
		return 0, fmt.Errorf("audit: batch number for %s: %w", day, err)
	}
	key := fmt.Sprintf("%s/%s/batch-%d.jsonl.gz", e.service, day, n)

	data, err := EncodeBatch(events)
	if err != nil {
		_ = e.store.MarkExportResult(ctx, ids, "", false, err.Error())
		return 0, fmt.Errorf("audit: encode batch %s: %w", key, err)
	}

	if err := e.blobs.Put(ctx, key, data, "application/gzip"); err != nil {
		_ = e.store.MarkExportResult(ctx, ids, "", false, err.Error())
		return 0, fmt.Errorf("audit: upload batch %s: %w", key, err)
	}

	if err := e.store.MarkExportResult(ctx, ids, key, true, ""); err != nil {
		return 0, fmt.Errorf("audit: mark batch %s complete: %w", key, err)
	}
	e.log.Info("archived audit batch", "key", key, "events", len(events))
	return len(events), nil
}

// EncodeBatch renders events as gzip-compressed JSONL, one canonical-encoded
// event per line.
func EncodeBatch(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, ev := range events {
		line, err := canonical.MarshalCanonical(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if _, err := gz.Write(line); err != nil {
			return nil, err
		}
		if _, err := gz.Write([]byte("\n")); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBatch reverses EncodeBatch. keel-verify uses it to replay archived
// batches offline.
func DecodeBatch(r io.Reader) ([]*Event, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("audit: open batch: %w", err)
	}
	defer func() { _ = gz.Close() }()

	var out []*Event
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("audit: decode batch line %d: %w", len(out)+1, err)
		}
		out = append(out, &ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read batch: %w", err)
	}
	return out, nil
}
