package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"docrelay/internal/cdp"
	"docrelay/internal/config"
	"docrelay/internal/control"
	"docrelay/internal/dispatch"
	"docrelay/internal/logger"
	"docrelay/internal/session"
	"docrelay/internal/storage"
	"docrelay/pkg/model"
)

var (
	ErrControlNotFound = errors.New("control not found")
	ErrNoBrowser       = errors.New("browser devtools url not configured")
	ErrNoStore         = errors.New("event store not configured")
)

// Options 服务依赖
type Options struct {
	Config *config.Config
	Logger logger.Logger

	// Store 为空时不记录事件
	Store *storage.Store

	// EventBuffer 事件通道容量，满时丢弃
	EventBuffer int
}

// Service 管理控件、浏览器拦截与事件落库
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	store    *storage.Store
	sessions *session.Manager
	events   chan model.Event

	mu       sync.Mutex
	browsers map[model.ControlID]*cdp.Manager
	changes  map[model.ControlID]int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务
func New(opts Options) *Service {
	if opts.Config == nil {
		opts.Config = config.NewConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      opts.Config,
		log:      opts.Logger,
		store:    opts.Store,
		sessions: session.NewManager(opts.Logger),
		browsers: make(map[model.ControlID]*cdp.Manager),
		changes:  make(map[model.ControlID]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.store != nil {
		s.events = make(chan model.Event, opts.EventBuffer)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.store.Run(ctx, s.events)
		}()
	}
	return s
}

// CreateControl 创建控件，id 为空时自动生成
func (s *Service) CreateControl(id model.ControlID) (model.ControlID, error) {
	if id == "" {
		id = model.ControlID(uuid.NewString())
	}
	c, err := s.sessions.Create(control.Options{
		ID:     id,
		Config: s.cfg.Control,
		Events: s.events,
		Logger: s.log,
		OnSave: func(file string) { s.log.Info("文档已由查看器保存", "control", string(id), "bytes", len(file)) },
	})
	if err != nil {
		return "", err
	}
	c.Init(func() { s.outputChanged(id) })
	return id, nil
}

// DestroyControl 销毁控件并断开其浏览器连接
func (s *Service) DestroyControl(id model.ControlID) error {
	s.mu.Lock()
	m := s.browsers[id]
	delete(s.browsers, id)
	delete(s.changes, id)
	s.mu.Unlock()
	if m != nil {
		if err := m.Detach(); err != nil {
			s.log.Err(err, "断开浏览器失败", "control", string(id))
		}
	}
	if !s.sessions.Delete(id) {
		return ErrControlNotFound
	}
	return nil
}

// ListControls 当前所有控件 ID
func (s *Service) ListControls() []model.ControlID {
	list := s.sessions.List()
	out := make([]model.ControlID, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID())
	}
	return out
}

// UpdateInputs 宿主属性更新
func (s *Service) UpdateInputs(id model.ControlID, in control.Inputs) (model.ViewState, error) {
	c, err := s.get(id)
	if err != nil {
		return model.ViewState{}, err
	}
	return c.UpdateView(in), nil
}

// SubmitDocument 直接推送文档内容，解析失败时返回错误
func (s *Service) SubmitDocument(id model.ControlID, doc any) (bool, error) {
	c, err := s.get(id)
	if err != nil {
		return false, err
	}
	return c.SubmitDocument(doc)
}

// ReportFailure 宿主报告获取文档失败
func (s *Service) ReportFailure(id model.ControlID, reason string) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}
	return c.ReportFailure(reason)
}

// Outputs 控件输出属性及其变化次数
func (s *Service) Outputs(id model.ControlID) (model.Outputs, int64, error) {
	c, err := s.get(id)
	if err != nil {
		return model.Outputs{}, 0, err
	}
	s.mu.Lock()
	n := s.changes[id]
	s.mu.Unlock()
	return c.GetOutputs(), n, nil
}

// PostMessage 转发查看器消息
func (s *Service) PostMessage(id model.ControlID, data []byte, trusted bool) error {
	c, err := s.get(id)
	if err != nil {
		return err
	}
	return c.HandleMessage(data, trusted)
}

// Pending 控件未解决的请求
func (s *Service) Pending(id model.ControlID) ([]model.PendingItem, error) {
	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return c.Pending(), nil
}

// Stats 控件拦截统计
func (s *Service) Stats(id model.ControlID) (model.EngineStats, error) {
	c, err := s.get(id)
	if err != nil {
		return model.EngineStats{}, err
	}
	return c.Stats(), nil
}

// Dispatcher 为控件安装拦截，供进程内查看器使用
func (s *Service) Dispatcher(id model.ControlID, base dispatch.Dispatcher) (dispatch.Dispatcher, error) {
	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return c.Dispatcher(base), nil
}

// Events 查询控件历史事件
func (s *Service) Events(ctx context.Context, id model.ControlID, limit int) ([]model.Event, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.Events(ctx, id, limit)
}

// ListTargets 列出浏览器页面
func (s *Service) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	if s.cfg.Browser.DevToolsURL == "" {
		return nil, ErrNoBrowser
	}
	return cdp.New(s.cfg.Browser.DevToolsURL, nil, s.log).ListTargets(ctx)
}

// AttachBrowser 将控件连接到浏览器页面并启用请求拦截
func (s *Service) AttachBrowser(id model.ControlID, target model.TargetID) error {
	if s.cfg.Browser.DevToolsURL == "" {
		return ErrNoBrowser
	}
	c, err := s.get(id)
	if err != nil {
		return err
	}
	if target == "" {
		target = model.TargetID(s.cfg.Browser.Target)
	}

	m := cdp.New(s.cfg.Browser.DevToolsURL, c.Handler(s.cfg.Browser.ProcessTimeoutMS), s.log.With("control", string(id)))

	// 锁只用于占位与登记，连接在锁外进行
	s.mu.Lock()
	if _, ok := s.browsers[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("control %s already attached", id)
	}
	s.browsers[id] = m
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.attachTimeout())
	defer cancel()
	err = m.AttachTarget(ctx, target)
	if err == nil {
		if err = m.Enable(); err != nil {
			_ = m.Detach()
		}
	}

	s.mu.Lock()
	kept := s.browsers[id] == m
	if err != nil && kept {
		delete(s.browsers, id)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !kept {
		// 连接期间控件已被断开或服务已关闭
		_ = m.Detach()
		return fmt.Errorf("control %s detached during attach", id)
	}
	return nil
}

func (s *Service) attachTimeout() time.Duration {
	ms := s.cfg.Browser.AttachTimeoutMS
	if ms <= 0 {
		ms = config.DefaultAttachTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// DetachBrowser 断开控件的浏览器连接
func (s *Service) DetachBrowser(id model.ControlID) error {
	s.mu.Lock()
	m, ok := s.browsers[id]
	delete(s.browsers, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("control %s not attached", id)
	}
	return m.Detach()
}

// Close 销毁全部控件并停止事件落库
func (s *Service) Close() {
	// 先取消，使进行中的 AttachBrowser 尽快返回
	s.cancel()
	s.mu.Lock()
	browsers := s.browsers
	s.browsers = make(map[model.ControlID]*cdp.Manager)
	s.mu.Unlock()
	for _, m := range browsers {
		_ = m.Detach()
	}
	s.sessions.Close()
	s.wg.Wait()
}

func (s *Service) get(id model.ControlID) (*control.Control, error) {
	c, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrControlNotFound, id)
	}
	return c, nil
}

func (s *Service) outputChanged(id model.ControlID) {
	s.mu.Lock()
	s.changes[id]++
	s.mu.Unlock()
	s.log.Debug("输出属性已变化", "control", string(id))
}
