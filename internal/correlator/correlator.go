package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docrelay/internal/logger"
	"docrelay/pkg/model"
	"docrelay/pkg/traffic"
)

var (
	ErrClosed           = errors.New("correlator closed")
	ErrTimeout          = errors.New("payload wait timed out")
	ErrNoActive         = errors.New("no active request")
	ErrMalformedPayload = errors.New("malformed payload")
)

const DefaultTimeout = 30 * time.Second

// Options 关联器配置
type Options struct {
	Control model.ControlID
	// Timeout 单个激活请求等待文档的上限
	Timeout time.Duration
	// Charset 文本类型追加的字符集，为空则不追加
	Charset string
	// Notify 激活请求变化时回调，参数为新的 interceptedUrl
	Notify func(url string)
	Events chan model.Event
	Logger logger.Logger
}

type entry struct {
	req   model.OutboundRequest
	timer *time.Timer
	done  bool
}

// Correlator 持有待处理请求队列与单槽文档缓冲，负责配对并合成响应。
// 队列头部即激活请求；所有状态变更都在 mu 内完成，回调按决策顺序在锁外串行执行。
type Correlator struct {
	opts Options
	log  logger.Logger

	mu       sync.Mutex
	queue    []*entry
	buf      model.DocumentPayload
	signal   string
	closed   bool
	outbox   []func()
	draining bool
}

// New 创建关联器
func New(opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Correlator{
		opts: opts,
		log:  opts.Logger.With("component", "correlator"),
	}
}

// Enqueue 加入一个被转移的请求；空闲时立即激活并更新 interceptedUrl
func (c *Correlator) Enqueue(req model.OutboundRequest) error {
	if req.Complete == nil {
		return fmt.Errorf("request %s: 缺少完成句柄", req.ID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, &entry{req: req})
	c.sendEvent(model.Event{Type: model.EventDiverted, Request: req.ID, URL: req.URL, Mechanism: req.Mechanism})
	c.log.Debug("请求已入队", "request", req.ID, "url", req.URL, "mechanism", req.Mechanism, "queue", len(c.queue))
	if len(c.queue) == 1 {
		c.activateLocked()
		c.tryPairLocked()
	}
	c.flushLocked()
	return nil
}

// Await 入队并阻塞直到请求被解决；ctx 结束时放弃该请求
func (c *Correlator) Await(ctx context.Context, req model.OutboundRequest) (*traffic.Response, error) {
	ch := make(chan *traffic.Response, 1)
	req.Complete = func(res *traffic.Response) { ch <- res }
	if err := c.Enqueue(req); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		if c.abandon(req.ID) {
			return nil, ctx.Err()
		}
		// 已被配对，完成句柄必然会执行
		return <-ch, nil
	}
}

// Submit 接收宿主推送的文档内容；缺失字段时只缓存不配对
func (c *Correlator) Submit(p model.DocumentPayload) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.buf = c.buf.Merge(p)
	if !c.buf.Complete() {
		c.log.Debug("文档内容不完整，继续等待",
			"hasContent", c.buf.Content != "", "contentLength", c.buf.ContentLength, "contentType", c.buf.ContentType)
	}
	c.tryPairLocked()
	c.flushLocked()
	return nil
}

// Reject 获取文档失败：以 500 解决当前激活请求并推进队列
func (c *Correlator) Reject(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return ErrNoActive
	}
	c.failHeadLocked(cause)
	c.advanceLocked()
	c.flushLocked()
	return nil
}

// Close 以错误响应解决所有未完成请求，此后拒绝新的请求与内容
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for len(c.queue) > 0 {
		c.failHeadLocked(ErrClosed)
	}
	c.buf = model.DocumentPayload{}
	c.flushLocked()
}

// Signal 当前等待内容的 URL
func (c *Correlator) Signal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Buffered 当前缓冲的（可能不完整的）文档内容
func (c *Correlator) Buffered() model.DocumentPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// Pending 按到达顺序列出未解决的请求
func (c *Correlator) Pending() []model.PendingItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PendingItem, 0, len(c.queue))
	for i, e := range c.queue {
		out = append(out, model.PendingItem{ID: e.req.ID, URL: e.req.URL, Mechanism: e.req.Mechanism, Active: i == 0})
	}
	return out
}

// activateLocked 激活队首请求：更新信号、通知宿主、启动超时计时
func (c *Correlator) activateLocked() {
	head := c.queue[0]
	c.signal = head.req.URL
	id := head.req.ID
	head.timer = time.AfterFunc(c.opts.Timeout, func() { c.expire(id) })

	url := head.req.URL
	if c.opts.Notify != nil {
		notify := c.opts.Notify
		c.outbox = append(c.outbox, func() { notify(url) })
	}
	c.sendEvent(model.Event{Type: model.EventActivated, Request: id, URL: url, Mechanism: head.req.Mechanism})
	c.log.Info("请求已激活，等待文档内容", "request", id, "url", url)
}

// tryPairLocked 缓冲完整且存在激活请求时执行一次配对
func (c *Correlator) tryPairLocked() {
	if len(c.queue) == 0 || !c.buf.Complete() {
		return
	}
	payload := c.buf
	c.buf = model.DocumentPayload{}
	head := c.popLocked()

	res, err := Synthesize(payload, c.opts.Charset)
	if err != nil {
		c.log.Err(err, "合成响应失败", "request", head.req.ID, "url", head.req.URL)
		c.resolveLocked(head, ErrorResponse(), err)
	} else {
		if n := int64(len(res.Body)); n != payload.ContentLength {
			c.log.Warn("声明长度与实际内容不一致", "request", head.req.ID, "declared", payload.ContentLength, "actual", n)
		}
		c.resolveLocked(head, res, nil)
	}
	c.advanceLocked()
}

// advanceLocked 激活下一个请求，若缓冲中已有完整内容则继续配对
func (c *Correlator) advanceLocked() {
	if c.closed || len(c.queue) == 0 {
		return
	}
	c.activateLocked()
	c.tryPairLocked()
}

func (c *Correlator) failHeadLocked(cause error) {
	head := c.popLocked()
	c.log.Warn("请求以错误响应结束", "request", head.req.ID, "url", head.req.URL, "error", cause)
	c.resolveLocked(head, ErrorResponse(), cause)
}

func (c *Correlator) popLocked() *entry {
	head := c.queue[0]
	if head.done {
		panic(fmt.Sprintf("correlator: request %s resolved twice", head.req.ID))
	}
	head.done = true
	if head.timer != nil {
		head.timer.Stop()
	}
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return head
}

func (c *Correlator) resolveLocked(e *entry, res *traffic.Response, cause error) {
	evt := model.Event{Type: model.EventPaired, Request: e.req.ID, URL: e.req.URL, Mechanism: e.req.Mechanism, Status: res.StatusCode}
	if cause != nil {
		evt.Type = model.EventFailed
		evt.Error = cause.Error()
	}
	c.sendEvent(evt)
	complete := e.req.Complete
	c.outbox = append(c.outbox, func() { complete(res) })
}

func (c *Correlator) expire(id model.RequestID) {
	c.mu.Lock()
	if c.closed || len(c.queue) == 0 || c.queue[0].req.ID != id {
		c.mu.Unlock()
		return
	}
	c.failHeadLocked(ErrTimeout)
	c.advanceLocked()
	c.flushLocked()
}

// abandon 调用方不再等待时移除请求，返回 false 表示请求已被解决
func (c *Correlator) abandon(id model.RequestID) bool {
	c.mu.Lock()
	idx := -1
	for i, e := range c.queue {
		if e.req.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	e := c.queue[idx]
	e.done = true
	if e.timer != nil {
		e.timer.Stop()
	}
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	c.sendEvent(model.Event{Type: model.EventAbandoned, Request: id, URL: e.req.URL, Mechanism: e.req.Mechanism})
	c.log.Info("请求已放弃", "request", id, "url", e.req.URL)
	if idx == 0 {
		c.advanceLocked()
	}
	c.flushLocked()
	return true
}

// flushLocked 释放锁并按顺序执行待执行的回调。
// 回调中重入关联器只会追加到 outbox，由当前执行者继续处理。
func (c *Correlator) flushLocked() {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		fn := c.outbox[0]
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// sendEvent 非阻塞发送事件
func (c *Correlator) sendEvent(evt model.Event) {
	if c.opts.Events == nil {
		return
	}
	evt.Control = c.opts.Control
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case c.opts.Events <- evt:
	default:
	}
}
