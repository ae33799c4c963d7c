package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink_BoundedRingBuffer(t *testing.T) {
	s := NewMemorySink(3)
	for i := 0; i < 5; i++ {
		s.Record(context.Background(), Event{RequestID: string(rune('a' + i)), EventType: EventRequestCompleted, Timestamp: time.Now()})
	}
	recent := s.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].RequestID, "oldest two should have been dropped")
	assert.Equal(t, "e", recent[2].RequestID)
}

func TestFileSink_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir, 1000)
	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	s.Record(context.Background(), Event{RequestID: "r1", TenantID: "t1", EventType: EventSecretDetected, Timestamp: ts})
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "audit-2026-07-29.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"r1"`)
	assert.Contains(t, string(data), `"event_type":"secret_detected"`)
}

func TestNewSink_DisabledIsNoop(t *testing.T) {
	s := NewSink(false, "memory", "", 10)
	s.Record(context.Background(), Event{RequestID: "r1"})
	assert.IsType(t, noopSink{}, s)
}
