package handler

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	cdpadapter "docrelay/internal/adapter/cdp"
	"docrelay/internal/correlator"
	"docrelay/internal/logger"
	"docrelay/internal/rules"
	"docrelay/pkg/model"
	"docrelay/pkg/traffic"
)

// Fetcher CDP Fetch 域中用到的方法，cdp.Client.Fetch 满足该接口
type Fetcher interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
}

// Classifier URL 分类
type Classifier interface {
	Classify(rawURL string, mech model.Mechanism) rules.Action
}

// Enqueuer 接收被转移请求
type Enqueuer interface {
	Enqueue(req model.OutboundRequest) error
}

// Handler 事件处理器：对暂停的请求分类，放行或交给关联器等待文档内容
type Handler struct {
	classifier       Classifier
	queue            Enqueuer
	processTimeoutMS int
	log              logger.Logger
}

// Config 配置选项
type Config struct {
	Classifier       Classifier
	Queue            Enqueuer
	ProcessTimeoutMS int
	Logger           logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Handler{
		classifier:       cfg.Classifier,
		queue:            cfg.Queue,
		processTimeoutMS: cfg.ProcessTimeoutMS,
		log:              l,
	}
}

// SetProcessTimeout 设置单次 CDP 调用超时时间
func (h *Handler) SetProcessTimeout(timeoutMS int) {
	h.processTimeoutMS = timeoutMS
}

func (h *Handler) timeout() time.Duration {
	to := h.processTimeoutMS
	if to <= 0 {
		to = 3000
	}
	return time.Duration(to) * time.Millisecond
}

// HandleRequest 处理请求阶段的拦截事件。base 为目标会话的 context，
// 被转移的请求可能在很久之后才完成，完成时基于它重新派生超时。
func (h *Handler) HandleRequest(base context.Context, f Fetcher, ev *fetch.RequestPausedReply) {
	l := h.log.With("requestID", string(ev.RequestID))

	mech, ok := cdpadapter.MechanismFor(ev.ResourceType)
	if !ok || h.classifier == nil || h.classifier.Classify(ev.Request.URL, mech) != rules.ActionDivert {
		h.continueRequest(base, f, ev, l)
		return
	}

	out := cdpadapter.ToOutbound(ev, mech)
	out.Complete = func(res *traffic.Response) {
		h.fulfill(base, f, ev.RequestID, res, l)
	}
	if err := h.queue.Enqueue(out); err != nil {
		l.Err(err, "请求入队失败，返回错误响应", "url", ev.Request.URL)
		h.fulfill(base, f, ev.RequestID, correlator.ErrorResponse(), l)
		return
	}
	l.Info("请求已转移", "url", ev.Request.URL, "mechanism", mech)
}

func (h *Handler) continueRequest(base context.Context, f Fetcher, ev *fetch.RequestPausedReply, l logger.Logger) {
	ctx, cancel := context.WithTimeout(base, h.timeout())
	defer cancel()
	if err := f.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		l.Err(err, "放行请求失败", "url", ev.Request.URL)
		return
	}
	l.Debug("请求已放行", "url", ev.Request.URL)
}

func (h *Handler) fulfill(base context.Context, f Fetcher, id fetch.RequestID, res *traffic.Response, l logger.Logger) {
	ctx, cancel := context.WithTimeout(base, h.timeout())
	defer cancel()
	if err := f.FulfillRequest(ctx, cdpadapter.FulfillArgs(id, res)); err != nil {
		l.Err(err, "返回合成响应失败", "status", res.StatusCode)
		return
	}
	l.Debug("已返回合成响应", "status", res.StatusCode, "bytes", len(res.Body))
}
