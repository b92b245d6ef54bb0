package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// Archiver uploads the trades of one bot session as a JSONL object.
type Archiver struct {
	writer    domain.BlobWriter
	audit     domain.AuditStore
	logger    *slog.Logger
	multipart int64
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		multipart: minPartSize,
	}
}

// ArchiveSession writes trades to archive/trades/YYYY-MM-DD/<runID>.jsonl,
// dated by the session end. Payloads at or above the multipart threshold go
// through the upload manager. An empty session uploads nothing and returns
// an empty path.
func (a *Archiver) ArchiveSession(ctx context.Context, runID string, end time.Time, trades []domain.TradeRecord) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive session marshal: %w", err)
	}

	path := sessionPath(runID, end)
	if int64(len(buf)) >= a.multipart {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.multipart)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive session upload: %w", err)
	}

	a.logger.InfoContext(ctx, "session archived",
		slog.String("path", path),
		slog.Int("trades", len(trades)),
		slog.Int("bytes", len(buf)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.session", map[string]any{
			"path":   path,
			"run_id": runID,
			"count":  len(trades),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive session audit log: %w", err)
		}
	}
	return path, nil
}

func sessionPath(runID string, end time.Time) string {
	return fmt.Sprintf("archive/trades/%s/%s.jsonl", end.UTC().Format("2006-01-02"), runID)
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
