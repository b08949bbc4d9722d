package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrelay/pkg/model"
)

const targetsJSON = `[
  {"id":"page-1","type":"page","title":"Flow","url":"https://flow.example.com/","webSocketDebuggerUrl":"ws://127.0.0.1:1/devtools/page/page-1"},
  {"id":"sw-1","type":"service_worker","title":"sw","url":"https://flow.example.com/sw.js","webSocketDebuggerUrl":"ws://127.0.0.1:1/devtools/page/sw-1"}
]`

func newDevTools(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(targetsJSON))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListTargetsOnlyPages(t *testing.T) {
	srv := newDevTools(t)
	m := New(srv.URL, nil, nil)

	targets, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, model.TargetInfo{ID: "page-1", Type: "page", URL: "https://flow.example.com/", Title: "Flow"}, targets[0])
}

func TestAttachUnknownTarget(t *testing.T) {
	srv := newDevTools(t)
	m := New(srv.URL, nil, nil)

	err := m.AttachTarget(context.Background(), "sw-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sw-1")
}

func TestNotAttached(t *testing.T) {
	m := New("http://127.0.0.1:0", nil, nil)
	assert.Error(t, m.Enable())
	assert.Error(t, m.Disable())
	assert.NoError(t, m.Detach())
}

func TestRequestPatterns(t *testing.T) {
	ps := requestPatterns()
	require.Len(t, ps, 3)
	var types []network.ResourceType
	for _, p := range ps {
		require.NotNil(t, p.ResourceType)
		require.NotNil(t, p.URLPattern)
		assert.Equal(t, "*", *p.URLPattern)
		assert.Equal(t, fetch.RequestStageRequest, p.RequestStage)
		types = append(types, *p.ResourceType)
	}
	assert.ElementsMatch(t, []network.ResourceType{network.ResourceTypeXHR, network.ResourceTypeFetch, network.ResourceTypeScript}, types)
}

func TestAttachHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	m := New(srv.URL, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.AttachTarget(ctx, "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoError(t, m.Detach())
}
