package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	gormlogger "gorm.io/gorm/logger"

	"docrelay/internal/ctxkeys"
	"docrelay/internal/logger"
	"docrelay/pkg/model"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", "test_", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, model.Event{Type: model.EventDiverted, Control: "a", Request: "r1", URL: "https://x/public/1", Mechanism: model.MechanismFetch}))
	require.NoError(t, s.Record(ctx, model.Event{Type: model.EventPaired, Control: "a", Request: "r1", Status: 200}))
	require.NoError(t, s.Record(ctx, model.Event{Type: model.EventDiverted, Control: "b", Request: "r2"}))

	got, err := s.Events(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventPaired, got[0].Type)
	assert.Equal(t, 200, got[0].Status)
	assert.Equal(t, model.MechanismFetch, got[1].Mechanism)

	got, err = s.Events(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ControlID("b"), got[0].Control)

	assert.True(t, s.db.Migrator().HasTable("test_event_records"))
}

func TestRunDrainsEvents(t *testing.T) {
	s := openMemory(t)
	events := make(chan model.Event, 4)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), events)
		close(done)
	}()

	events <- model.Event{Type: model.EventActivated, Control: "a"}
	events <- model.Event{Type: model.EventFailed, Control: "a", Error: "timeout"}
	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	got, err := s.Events(context.Background(), "a", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "timeout", got[0].Error)
}

func TestGormLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWriter(&buf, "debug"))
	ctx := ctxkeys.WithTraceID(context.Background(), "trace-1")

	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, errors.New("boom"))
	line := gjson.Parse(buf.String())
	assert.Equal(t, "trace-1", line.Get("traceId").String())
	assert.Equal(t, "SELECT 1", line.Get("sql").String())
	assert.Equal(t, "boom", line.Get("error").String())

	buf.Reset()
	gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, errors.New("boom"))
	assert.Empty(t, buf.String())
}
