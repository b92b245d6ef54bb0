package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

type upload struct {
	path      string
	body      []byte
	multipart bool
	ctype     string
}

type fakeWriter struct {
	uploads []upload
	err     error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	b, _ := io.ReadAll(data)
	f.uploads = append(f.uploads, upload{path: path, body: b, ctype: contentType})
	return nil
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	if f.err != nil {
		return f.err
	}
	b, _ := io.ReadAll(data)
	f.uploads = append(f.uploads, upload{path: path, body: b, multipart: true})
	return nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func trades(n int) []domain.TradeRecord {
	out := make([]domain.TradeRecord, n)
	for i := range out {
		out[i] = domain.TradeRecord{
			PositionID: "pos",
			RunID:      "run-1",
			Asset:      domain.AssetBTC,
			Direction:  domain.DirectionYes,
			PnL:        float64(i),
		}
	}
	return out
}

func TestArchiveSession(t *testing.T) {
	w := &fakeWriter{}
	audit := &memAudit{}
	a := NewArchiver(w, audit, quiet())
	end := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)

	path, err := a.ArchiveSession(context.Background(), "run-1", end, trades(3))
	require.NoError(t, err)
	assert.Equal(t, "archive/trades/2026-03-01/run-1.jsonl", path)
	require.Len(t, w.uploads, 1)
	assert.False(t, w.uploads[0].multipart)
	assert.Equal(t, jsonlContentType, w.uploads[0].ctype)
	assert.Equal(t, []string{"archive.session"}, audit.events)

	sc := bufio.NewScanner(bytes.NewReader(w.uploads[0].body))
	lines := 0
	for sc.Scan() {
		var rec domain.TradeRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.Equal(t, float64(lines), rec.PnL)
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestArchiveSession_Empty(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w, nil, quiet())
	path, err := a.ArchiveSession(context.Background(), "run-1", time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, w.uploads)
}

func TestArchiveSession_LargeUsesMultipart(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w, nil, quiet())
	a.multipart = 64
	_, err := a.ArchiveSession(context.Background(), "run-2", time.Now(), trades(2))
	require.NoError(t, err)
	require.Len(t, w.uploads, 1)
	assert.True(t, w.uploads[0].multipart)
}

func TestArchiveSession_UploadError(t *testing.T) {
	w := &fakeWriter{err: errors.New("denied")}
	audit := &memAudit{}
	a := NewArchiver(w, audit, quiet())
	_, err := a.ArchiveSession(context.Background(), "run-1", time.Now(), trades(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Empty(t, audit.events)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket")
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.ErrorContains(t, err, "region")

	c, err := New(context.Background(), ClientConfig{
		Bucket: "archive", Region: "us-east-1", Endpoint: "localhost:9000",
		AccessKey: "k", SecretKey: "s", ForcePathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "archive", c.Bucket())
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("https://e2.example.com", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}
