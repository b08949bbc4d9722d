package control

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docrelay/internal/config"
	"docrelay/internal/correlator"
	"docrelay/internal/dispatch"
	"docrelay/internal/handler"
	"docrelay/internal/logger"
	"docrelay/internal/rules"
	"docrelay/pkg/model"
)

var ErrDestroyed = errors.New("control destroyed")

// Options 控件构造参数
type Options struct {
	ID     model.ControlID
	Config config.ControlConfig
	Events chan model.Event
	Logger logger.Logger
	// OnSave 查看器保存文档时回调
	OnSave func(file string)
}

// Inputs 宿主平台每个渲染周期传入的属性
type Inputs struct {
	Doc          string
	ViewerHeight int
	ViewerWidth  int
	// Document 文档内容属性，可为 JSON 字符串或结构化值
	Document any
}

// Control 嵌入查看器的控件实例：持有拦截器与关联器，负责宿主属性与二者之间的衔接
type Control struct {
	id     model.ControlID
	cfg    config.ControlConfig
	log    logger.Logger
	events chan model.Event

	matcher *rules.Matcher
	corr    *correlator.Correlator
	inter   *dispatch.Interceptor

	mu        sync.Mutex
	notify    func()
	onSave    func(file string)
	outputs   model.Outputs
	view      model.ViewState
	lastDoc   string
	destroyed bool
}

// New 创建控件，拦截在构造时即可安装，宿主随后调用 Init
func New(opts Options) (*Control, error) {
	if opts.ID == "" {
		opts.ID = model.ControlID(uuid.NewString())
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	cfg := opts.Config
	if cfg.PayloadTimeout <= 0 {
		cfg.PayloadTimeout = config.DefaultControl().PayloadTimeout
	}
	if cfg.Patterns == nil {
		cfg.Patterns = config.DefaultPatterns()
	}
	matcher, err := rules.New(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("构造 URL 匹配器失败: %w", err)
	}

	c := &Control{
		id:      opts.ID,
		cfg:     cfg,
		log:     opts.Logger.With("control", string(opts.ID)),
		events:  opts.Events,
		matcher: matcher,
		onSave:  opts.OnSave,
	}
	c.corr = correlator.New(correlator.Options{
		Control: c.id,
		Timeout: cfg.PayloadTimeout,
		Charset: cfg.TextCharset,
		Notify:  c.onSignal,
		Events:  opts.Events,
		Logger:  c.log,
	})
	c.inter = dispatch.New(dispatch.Config{
		Control:    c.id,
		Classifier: matcher,
		Queue:      c.corr,
		Events:     opts.Events,
		Logger:     c.log,
	})
	return c, nil
}

func (c *Control) ID() model.ControlID { return c.id }

// Init 记录输出变化回调
func (c *Control) Init(notifyOutputChanged func()) {
	c.mu.Lock()
	c.notify = notifyOutputChanged
	c.mu.Unlock()
	c.log.Info("控件已初始化")
}

// Dispatcher 返回安装了拦截的 Dispatcher，重复调用不会重复包装
func (c *Control) Dispatcher(base dispatch.Dispatcher) dispatch.Dispatcher {
	return c.inter.Install(base)
}

// Handler 返回供浏览器 CDP 通道使用的事件处理器
func (c *Control) Handler(processTimeoutMS int) *handler.Handler {
	return handler.New(handler.Config{
		Classifier:       c.matcher,
		Queue:            c.corr,
		ProcessTimeoutMS: processTimeoutMS,
		Logger:           c.log,
	})
}

// Interceptor 底层拦截器
func (c *Control) Interceptor() *dispatch.Interceptor { return c.inter }

// Correlator 底层关联器
func (c *Control) Correlator() *correlator.Correlator { return c.corr }

// UpdateView 处理一次属性更新。文档属性无法解析时记录日志并忽略，继续等待
func (c *Control) UpdateView(in Inputs) model.ViewState {
	c.mu.Lock()
	c.view = model.ViewState{DocURL: in.Doc, ViewerHeight: in.ViewerHeight, ViewerWidth: in.ViewerWidth}
	view := c.view
	c.mu.Unlock()

	if in.Document != nil {
		if _, err := c.pushDocument(in.Document, true); err != nil {
			c.log.Warn("忽略无法处理的文档属性", "error", err)
		}
	}
	return view
}

// SubmitDocument 宿主显式提交文档，相同内容也会再次交给关联器
func (c *Control) SubmitDocument(v any) (bool, error) {
	return c.pushDocument(v, false)
}

// pushDocument 解析文档属性并交给关联器。dedup 时与上次值相同则返回 false，
// 上次值在每次激活新请求时清空
func (c *Control) pushDocument(v any, dedup bool) (bool, error) {
	p, raw, err := ParsePayload(v)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false, ErrDestroyed
	}
	if dedup && raw == c.lastDoc {
		c.mu.Unlock()
		return false, nil
	}
	c.lastDoc = raw
	c.mu.Unlock()

	if p.IsZero() {
		return false, nil
	}
	c.log.Debug("收到文档属性", "contentLength", p.ContentLength, "contentType", p.ContentType)
	if err := c.corr.Submit(p); err != nil {
		return false, err
	}
	return true, nil
}

// ReportFailure 宿主报告获取文档失败，当前等待的请求以错误响应结束
func (c *Control) ReportFailure(reason string) error {
	return c.corr.Reject(errors.New(reason))
}

// GetOutputs 当前输出属性
func (c *Control) GetOutputs() model.Outputs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs
}

// View 最近一次的视图属性
func (c *Control) View() model.ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Pending 未解决的请求
func (c *Control) Pending() []model.PendingItem {
	return c.corr.Pending()
}

// Stats 拦截统计
func (c *Control) Stats() model.EngineStats {
	return c.inter.Stats()
}

// HandleMessage 处理查看器 iframe 的 postMessage，只接受可信来源的 SAVE_DOCUMENT
func (c *Control) HandleMessage(data []byte, trusted bool) error {
	if !trusted {
		return nil
	}
	msg, err := ParseMessage(data)
	if err != nil {
		return err
	}
	if msg.Type != MessageSaveDocument {
		return nil
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.outputs.PDFDoc = msg.File
	notify, onSave := c.notify, c.onSave
	c.mu.Unlock()

	c.log.Info("查看器已保存文档", "bytes", len(msg.File))
	c.sendEvent(model.Event{Type: model.EventSaved})
	if onSave != nil {
		onSave(msg.File)
	}
	if notify != nil {
		notify()
	}
	return nil
}

// Destroy 卸载拦截并以错误响应结束所有未完成请求
func (c *Control) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.notify = nil
	c.mu.Unlock()

	c.inter.Uninstall()
	c.corr.Close()
	c.log.Info("控件已销毁")
}

// onSignal 关联器激活新请求时更新 interceptedUrl 并通知宿主
func (c *Control) onSignal(url string) {
	c.mu.Lock()
	c.outputs.InterceptedURL = url
	c.lastDoc = ""
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (c *Control) sendEvent(evt model.Event) {
	if c.events == nil {
		return
	}
	evt.Control = c.id
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case c.events <- evt:
	default:
	}
}
