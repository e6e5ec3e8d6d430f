package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/onramp/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "multipart")
}

type staticSource []domain.Position

func (s staticSource) ListTerminalBetween(_ context.Context, since, until time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s {
		if !p.UpdatedAt.Before(since) && p.UpdatedAt.Before(until) {
			out = append(out, p)
		}
	}
	return out, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchivePositionsWritesJSONL(t *testing.T) {
	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	src := staticSource{
		{ID: "a", Status: domain.StatusActive, UpdatedAt: day.Add(time.Hour)},
		{ID: "b", Status: domain.StatusGasSentCapFailed, UpdatedAt: day.Add(2 * time.Hour)},
		{ID: "c", Status: domain.StatusActive, UpdatedAt: day.Add(30 * time.Hour)},
	}
	w := newMemWriter()
	audit := &memAudit{}
	a := NewArchiver(w, src, audit)

	n, err := a.ArchivePositions(context.Background(), day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	obj, ok := w.objects["archive/positions/2026-09-01.jsonl"]
	require.True(t, ok)
	assert.Equal(t, "application/x-ndjson", w.types["archive/positions/2026-09-01.jsonl"])

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(obj))
	for sc.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, []string{"positions_archived"}, audit.events)
}

func TestArchivePositionsEmptyRange(t *testing.T) {
	w := newMemWriter()
	a := NewArchiver(w, staticSource{}, nil)

	n, err := a.ArchivePositions(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", withScheme("https://s3.example.com", false))
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "https://r2.example.com", withScheme("r2.example.com", true))
}
