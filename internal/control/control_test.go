package control

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrelay/internal/config"
	"docrelay/internal/dispatch"
	"docrelay/pkg/model"
	"docrelay/pkg/traffic"
)

type baseDispatcher struct {
	fetches atomic.Int64
}

func (b *baseDispatcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	b.fetches.Add(1)
	res := traffic.NewResponse()
	res.Body = []byte("asset")
	return res.ToHTTP(req), nil
}

func (b *baseDispatcher) Send(ctx context.Context, x *dispatch.XHR) error {
	x.Resolve(traffic.NewResponse())
	return nil
}

func (b *baseDispatcher) LoadScript(ctx context.Context, s *dispatch.Script) error {
	s.Resolve(traffic.NewResponse())
	return nil
}

func newControl(t *testing.T, events chan model.Event) (*Control, *atomic.Int64) {
	t.Helper()
	c, err := New(Options{ID: "ctl-1", Config: config.DefaultControl(), Events: events})
	require.NoError(t, err)
	var notified atomic.Int64
	c.Init(func() { notified.Add(1) })
	t.Cleanup(c.Destroy)
	return c, &notified
}

type fetchResult struct {
	res  *http.Response
	body []byte
	err  error
}

func fetchAsync(d dispatch.Dispatcher, url string) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		res, err := d.Fetch(context.Background(), req)
		if err != nil {
			ch <- fetchResult{err: err}
			return
		}
		body, _ := io.ReadAll(res.Body)
		ch <- fetchResult{res: res, body: body}
	}()
	return ch
}

func waitSignal(t *testing.T, c *Control, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.GetOutputs().InterceptedURL == url
	}, time.Second, 5*time.Millisecond)
}

func TestDocumentFlowWithJSONString(t *testing.T) {
	c, notified := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	url := "https://flow.example.com/api/public/doc-1"
	got := fetchAsync(d, url)
	waitSignal(t, c, url)
	assert.GreaterOrEqual(t, notified.Load(), int64(1))

	raw := []byte("%PDF-1.7 body")
	c.UpdateView(Inputs{
		Doc:          "invoice.pdf",
		ViewerHeight: 600,
		ViewerWidth:  800,
		Document: `{"content":"` + base64.StdEncoding.EncodeToString(raw) +
			`","contentLength":13,"contentType":"application/pdf"}`,
	})

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusOK, r.res.StatusCode)
	assert.Equal(t, raw, r.body)
	assert.Equal(t, "application/pdf", r.res.Header.Get("Content-Type"))
	assert.Equal(t, "13", r.res.Header.Get("Content-Length"))
	assert.Equal(t, model.ViewState{DocURL: "invoice.pdf", ViewerHeight: 600, ViewerWidth: 800}, c.View())
	assert.Empty(t, c.Pending())
}

func TestDocumentFlowWithStructuredContent(t *testing.T) {
	c, _ := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	url := "https://flow.example.com/public/files/7"
	got := fetchAsync(d, url)
	waitSignal(t, c, url)

	raw := []byte("%PDF-1.4")
	c.UpdateView(Inputs{Document: map[string]any{
		"content": map[string]any{
			"$content-type": "application/pdf",
			"$content":      base64.StdEncoding.EncodeToString(raw),
		},
	}})

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, raw, r.body)
	assert.Equal(t, "8", r.res.Header.Get("Content-Length"))
}

func TestPartialUpdatesMerge(t *testing.T) {
	c, _ := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	url := "https://x/public/doc"
	got := fetchAsync(d, url)
	waitSignal(t, c, url)

	changed, err := c.SubmitDocument(`{"contentType":"text/plain"}`)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = c.SubmitDocument(`{"content":"hello","contentLength":5,"encoding":"text"}`)
	require.NoError(t, err)
	assert.True(t, changed)

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "hello", string(r.body))
	assert.Equal(t, "text/plain; charset=utf-8", r.res.Header.Get("Content-Type"))
}

func TestUnchangedDocumentIsIgnored(t *testing.T) {
	c, _ := newControl(t, nil)

	doc := `{"contentType":"application/pdf"}`
	changed, err := c.pushDocument(doc, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = c.pushDocument(doc, true)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = c.SubmitDocument(doc)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestIdenticalDocumentServesConsecutiveRequests(t *testing.T) {
	c, notified := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	url := "https://x/public/doc"
	first := fetchAsync(d, url)
	waitSignal(t, c, url)
	second := fetchAsync(d, url)
	require.Eventually(t, func() bool { return len(c.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	doc := Inputs{Document: `{"content":"same","contentLength":4,"contentType":"text/plain","encoding":"text"}`}
	c.UpdateView(doc)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, "same", string(r.body))

	require.Eventually(t, func() bool { return notified.Load() >= 2 }, time.Second, 5*time.Millisecond)
	c.UpdateView(doc)
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, "same", string(r.body))
	assert.Empty(t, c.Pending())
}

func TestExplicitSubmitRepeatsIdenticalDocument(t *testing.T) {
	c, _ := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	url := "https://x/public/doc"
	first := fetchAsync(d, url)
	waitSignal(t, c, url)
	second := fetchAsync(d, url)
	require.Eventually(t, func() bool { return len(c.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	doc := `{"content":"again","contentLength":5,"contentType":"text/plain","encoding":"text"}`
	for i := 0; i < 2; i++ {
		changed, err := c.SubmitDocument(doc)
		require.NoError(t, err)
		assert.True(t, changed)
	}
	for _, ch := range []<-chan fetchResult{first, second} {
		r := <-ch
		require.NoError(t, r.err)
		assert.Equal(t, "again", string(r.body))
	}
}

func TestMalformedDocumentKeepsWaiting(t *testing.T) {
	c, _ := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	url := "https://x/public/doc"
	got := fetchAsync(d, url)
	waitSignal(t, c, url)

	c.UpdateView(Inputs{Document: "{not json"})
	_, err := c.SubmitDocument(`[1,2]`)
	require.Error(t, err)
	assert.Len(t, c.Pending(), 1)

	select {
	case <-got:
		t.Fatal("request resolved by malformed input")
	case <-time.After(50 * time.Millisecond):
	}

	c.UpdateView(Inputs{Document: `{"content":"ok","contentLength":2,"contentType":"text/plain"}`})
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "ok", string(r.body))
}

func TestReportFailure(t *testing.T) {
	c, _ := newControl(t, nil)
	d := c.Dispatcher(&baseDispatcher{})

	got := fetchAsync(d, "https://x/public/doc")
	waitSignal(t, c, "https://x/public/doc")

	require.NoError(t, c.ReportFailure("flow failed"))
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusInternalServerError, r.res.StatusCode)
}

func TestAssetsBypassControl(t *testing.T) {
	c, _ := newControl(t, nil)
	base := &baseDispatcher{}
	d := c.Dispatcher(base)

	r := <-fetchAsync(d, "http://localhost:3000/lib/core/pdf/pdf.worker.js")
	require.NoError(t, r.err)
	assert.Equal(t, "asset", string(r.body))
	assert.Equal(t, int64(1), base.fetches.Load())
	assert.Empty(t, c.GetOutputs().InterceptedURL)
	assert.Equal(t, int64(1), c.Stats().Total)
	assert.Equal(t, int64(0), c.Stats().Diverted)
}

func TestSaveMessage(t *testing.T) {
	events := make(chan model.Event, 8)
	var (
		mu    sync.Mutex
		saved string
	)
	c, err := New(Options{ID: "ctl-save", Events: events, OnSave: func(file string) {
		mu.Lock()
		saved = file
		mu.Unlock()
	}})
	require.NoError(t, err)
	defer c.Destroy()
	var notified atomic.Int64
	c.Init(func() { notified.Add(1) })

	require.NoError(t, c.HandleMessage([]byte(`{"type":"SAVE_DOCUMENT","payload":{"file":"JVBERi0="}}`), false))
	assert.Empty(t, c.GetOutputs().PDFDoc)

	require.NoError(t, c.HandleMessage([]byte(`{"type":"OTHER"}`), true))
	assert.Empty(t, c.GetOutputs().PDFDoc)

	require.NoError(t, c.HandleMessage([]byte(`{"type":"SAVE_DOCUMENT","payload":{"file":"JVBERi0="}}`), true))
	assert.Equal(t, "JVBERi0=", c.GetOutputs().PDFDoc)
	assert.Equal(t, int64(1), notified.Load())
	mu.Lock()
	assert.Equal(t, "JVBERi0=", saved)
	mu.Unlock()

	evt := <-events
	assert.Equal(t, model.EventSaved, evt.Type)
	assert.Equal(t, model.ControlID("ctl-save"), evt.Control)
}

func TestDestroyFailsPending(t *testing.T) {
	c, err := New(Options{Config: config.DefaultControl()})
	require.NoError(t, err)
	d := c.Dispatcher(&baseDispatcher{})

	got := fetchAsync(d, "https://x/public/doc")
	waitSignal(t, c, "https://x/public/doc")

	c.Destroy()
	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusInternalServerError, r.res.StatusCode)
	assert.False(t, c.Stats().Installed)

	_, err = c.SubmitDocument(`{"content":"x"}`)
	assert.ErrorIs(t, err, ErrDestroyed)
	c.Destroy()
}

func TestInvalidPatternsRejected(t *testing.T) {
	cfg := config.DefaultControl()
	cfg.Patterns = []config.PatternConfig{{Mode: "regex", Value: "([", Action: "divert"}}
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
}
