package logger

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With("control", "c1")

	l.Info("请求已转移", "url", "https://host/public/doc", "queue", 2)

	line := buf.String()
	assert.Equal(t, "info", gjson.Get(line, "level").String())
	assert.Equal(t, "c1", gjson.Get(line, "control").String())
	assert.Equal(t, "https://host/public/doc", gjson.Get(line, "url").String())
	assert.EqualValues(t, 2, gjson.Get(line, "queue").Int())
}

func TestWriterLoggerErr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")

	l.Debug("丢弃")
	assert.Empty(t, buf.String())

	l.Err(errors.New("boom"), "失败")
	assert.Equal(t, "boom", gjson.Get(buf.String(), "error").String())
}

func TestNewRejectsUnknownWriter(t *testing.T) {
	_, err := New(Options{Level: "info", Writers: []string{"syslog"}})
	assert.Error(t, err)
}

func TestNewFileWriter(t *testing.T) {
	l, err := New(Options{Level: "debug", Writers: []string{"file"}, File: filepath.Join(t.TempDir(), "x.log")})
	require.NoError(t, err)
	l.Info("ok")
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("nothing")
	l.With("a", 1).Err(errors.New("x"), "nothing")
}
