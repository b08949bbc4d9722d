package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	"docrelay/internal/handler"
	"docrelay/internal/logger"
	"docrelay/pkg/model"
)

// interceptedTypes 只暂停可能承载文档请求的资源类型，其余资源不经过本进程
var interceptedTypes = []network.ResourceType{
	network.ResourceTypeXHR,
	network.ResourceTypeFetch,
	network.ResourceTypeScript,
}

// requestPatterns 请求阶段的暂停规则，每种资源类型一条
func requestPatterns() []fetch.RequestPattern {
	patterns := make([]fetch.RequestPattern, 0, len(interceptedTypes))
	for _, rt := range interceptedTypes {
		rt := rt
		all := "*"
		patterns = append(patterns, fetch.RequestPattern{
			URLPattern:   &all,
			ResourceType: &rt,
			RequestStage: fetch.RequestStageRequest,
		})
	}
	return patterns
}

// Manager 连接浏览器目标页，通过 Fetch 域暂停请求并交给 handler 处理
type Manager struct {
	devtoolsURL string
	handler     *handler.Handler
	log         logger.Logger

	mu      sync.Mutex
	target  model.TargetID
	conn    *rpcc.Conn
	client  *cdp.Client
	ctx     context.Context
	cancel  context.CancelFunc
	enabled bool
}

// New 创建管理器
func New(devtoolsURL string, h *handler.Handler, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{devtoolsURL: devtoolsURL, handler: h, log: l.With("component", "cdp")}
}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取目标列表失败: %w", err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, model.TargetInfo{ID: t.ID, Type: string(t.Type), URL: t.URL, Title: t.Title})
	}
	return out, nil
}

// AttachTarget 连接指定目标，target 为空时选择第一个页面。
// ctx 只约束查询与建立连接，连接建立后的生命周期由 Detach 结束。
func (m *Manager) AttachTarget(ctx context.Context, target model.TargetID) error {
	m.mu.Lock()
	attached, current := m.conn != nil, m.target
	m.mu.Unlock()
	if attached {
		return fmt.Errorf("已连接目标 %s", current)
	}

	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return fmt.Errorf("获取目标列表失败: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || t.ID == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("未找到目标 %q", target)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("连接目标失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = conn.Close()
		return fmt.Errorf("已连接目标 %s", m.target)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.conn = conn
	m.client = cdp.NewClient(conn)
	m.target = model.TargetID(sel.ID)
	m.log.Info("已连接浏览器目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// Enable 启用请求阶段拦截并开始消费事件
func (m *Manager) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return fmt.Errorf("not attached")
	}
	if m.enabled {
		return nil
	}

	// 先订阅再启用，避免丢失启用后立即到达的事件
	rp, err := m.client.Fetch.RequestPaused(m.ctx)
	if err != nil {
		return fmt.Errorf("订阅拦截事件流失败: %w", err)
	}
	if err := m.client.Fetch.Enable(m.ctx, &fetch.EnableArgs{Patterns: requestPatterns()}); err != nil {
		rp.Close()
		return fmt.Errorf("启用拦截失败: %w", err)
	}
	m.enabled = true
	go m.consume(m.ctx, m.client, rp)
	m.log.Info("拦截已启用", "target", string(m.target))
	return nil
}

// Disable 关闭拦截，已暂停的请求由浏览器自行恢复
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return fmt.Errorf("not attached")
	}
	m.enabled = false
	return m.client.Fetch.Disable(m.ctx)
}

// Detach 断开连接
func (m *Manager) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.enabled = false
	m.client = nil
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.log.Info("已断开浏览器目标", "target", string(m.target))
	return err
}

// consume 持续接收拦截事件并分发处理
func (m *Manager) consume(ctx context.Context, client *cdp.Client, rp fetch.RequestPausedClient) {
	defer rp.Close()
	m.log.Info("开始消费拦截事件流", "target", string(m.target))
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Err(err, "接收拦截事件失败", "target", string(m.target))
			}
			m.handleStreamClosed()
			return
		}
		go m.handler.HandleRequest(ctx, client.Fetch, ev)
	}
}

// handleStreamClosed 事件流中断后标记为未启用
func (m *Manager) handleStreamClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		m.log.Warn("拦截流被中断", "target", string(m.target))
	}
	m.enabled = false
}
