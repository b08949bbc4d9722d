package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"docrelay/internal/correlator"
	"docrelay/internal/logger"
	"docrelay/internal/rules"
	"docrelay/pkg/model"
	"docrelay/pkg/traffic"
)

// Classifier 对 URL 做放行/转移判断
type Classifier interface {
	Classify(rawURL string, mech model.Mechanism) rules.Action
}

// Queue 接收被转移请求的一方
type Queue interface {
	Enqueue(req model.OutboundRequest) error
	Await(ctx context.Context, req model.OutboundRequest) (*traffic.Response, error)
}

// Config 拦截器配置
type Config struct {
	Control    model.ControlID
	Classifier Classifier
	Queue      Queue
	Events     chan model.Event
	Logger     logger.Logger
}

// Interceptor 在注入的 Dispatcher 外层做分类，转移命中的请求到关联器。
// 一个实例只安装一次，重复安装返回同一个包装，保证每次调用只分类一次。
type Interceptor struct {
	control    model.ControlID
	classifier Classifier
	queue      Queue
	events     chan model.Event
	log        logger.Logger

	mu     sync.Mutex
	hooked *hooked

	// detached 卸载后 RoundTripper 直接透传
	detached atomic.Bool

	total    atomic.Int64
	diverted atomic.Int64
}

// New 创建拦截器
func New(cfg Config) *Interceptor {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{
		control:    cfg.Control,
		classifier: cfg.Classifier,
		queue:      cfg.Queue,
		events:     cfg.Events,
		log:        l.With("component", "interceptor"),
	}
}

// Install 包装 base 并返回带拦截的 Dispatcher；已安装时直接返回已有包装
func (i *Interceptor) Install(base Dispatcher) Dispatcher {
	if h, ok := base.(*hooked); ok && h.owner == i {
		return h
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.hooked != nil {
		if i.hooked.base != base {
			i.log.Warn("拦截已安装，忽略新的底层 Dispatcher")
		}
		return i.hooked
	}
	i.hooked = &hooked{owner: i, base: base}
	i.hooked.active.Store(true)
	i.detached.Store(false)
	i.log.Info("请求拦截已安装")
	return i.hooked
}

// Uninstall 恢复原始行为，已分发出去的包装此后直接透传，返回原始 Dispatcher
func (i *Interceptor) Uninstall() Dispatcher {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.detached.Store(true)
	if i.hooked == nil {
		return nil
	}
	h := i.hooked
	h.active.Store(false)
	i.hooked = nil
	i.log.Info("请求拦截已卸载")
	return h.base
}

// Installed 是否处于安装状态
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hooked != nil
}

// Stats 分类统计
func (i *Interceptor) Stats() model.EngineStats {
	return model.EngineStats{Total: i.total.Load(), Diverted: i.diverted.Load(), Installed: i.Installed()}
}

// RoundTripper 以 http.RoundTripper 形式暴露 fetch 出口
func (i *Interceptor) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{owner: i, next: next}
}

// classify 对单次调用分类，同时计数与发送放行事件
func (i *Interceptor) classify(url string, mech model.Mechanism) bool {
	i.total.Add(1)
	if i.classifier == nil || i.classifier.Classify(url, mech) != rules.ActionDivert {
		i.sendEvent(model.Event{Type: model.EventPassed, URL: url, Mechanism: mech})
		return false
	}
	i.diverted.Add(1)
	i.log.Info("拦截到文档请求", "url", url, "mechanism", mech)
	return true
}

func (i *Interceptor) outbound(url, method string, mech model.Mechanism) model.OutboundRequest {
	return model.OutboundRequest{
		ID:        model.RequestID(uuid.NewString()),
		URL:       url,
		Method:    method,
		Mechanism: mech,
		CreatedAt: time.Now(),
	}
}

// await fetch 路径：不触达底层网络，阻塞至关联器给出响应
func (i *Interceptor) await(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := i.outbound(req.URL.String(), req.Method, model.MechanismFetch)
	res, err := i.queue.Await(ctx, out)
	if err != nil {
		if errors.Is(err, correlator.ErrClosed) {
			return correlator.ErrorResponse().ToHTTP(req), nil
		}
		return nil, err
	}
	return res.ToHTTP(req), nil
}

func (i *Interceptor) sendEvent(evt model.Event) {
	if i.events == nil {
		return
	}
	evt.Control = i.control
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case i.events <- evt:
	default:
	}
}

type hooked struct {
	owner  *Interceptor
	base   Dispatcher
	active atomic.Bool
}

func (h *hooked) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !h.active.Load() || !h.owner.classify(req.URL.String(), model.MechanismFetch) {
		return h.base.Fetch(ctx, req)
	}
	return h.owner.await(ctx, req)
}

func (h *hooked) Send(ctx context.Context, x *XHR) error {
	if !h.active.Load() || !h.owner.classify(x.URL, model.MechanismXHR) {
		return h.base.Send(ctx, x)
	}
	// 先中止原请求，避免与合成响应竞争
	x.Abort()
	out := h.owner.outbound(x.URL, x.Method, model.MechanismXHR)
	out.Complete = x.Resolve
	if err := h.owner.queue.Enqueue(out); err != nil {
		h.owner.log.Err(err, "XHR 入队失败", "url", x.URL)
		x.Resolve(correlator.ErrorResponse())
	}
	return nil
}

func (h *hooked) LoadScript(ctx context.Context, s *Script) error {
	if !h.active.Load() || !h.owner.classify(s.Src, model.MechanismScript) {
		return h.base.LoadScript(ctx, s)
	}
	out := h.owner.outbound(s.Src, http.MethodGet, model.MechanismScript)
	out.Complete = s.Resolve
	if err := h.owner.queue.Enqueue(out); err != nil {
		h.owner.log.Err(err, "script 入队失败", "url", s.Src)
		s.Resolve(correlator.ErrorResponse())
	}
	return nil
}

type transport struct {
	owner *Interceptor
	next  http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.owner.detached.Load() || !t.owner.classify(req.URL.String(), model.MechanismFetch) {
		return t.next.RoundTrip(req)
	}
	return t.owner.await(req.Context(), req)
}
