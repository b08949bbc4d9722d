package session

import (
	"fmt"
	"sort"
	"sync"

	"docrelay/internal/control"
	"docrelay/internal/logger"
	"docrelay/pkg/model"
)

// Manager 全局控件注册表，每个宿主页面上的查看器实例对应一个控件
type Manager struct {
	mu       sync.RWMutex
	controls map[model.ControlID]*control.Control
	log      logger.Logger
}

// NewManager 创建控件注册表
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		controls: make(map[model.ControlID]*control.Control),
		log:      l,
	}
}

// Create 创建并注册新控件，ID 已存在时返回错误
func (m *Manager) Create(opts control.Options) (*control.Control, error) {
	if opts.Logger == nil {
		opts.Logger = m.log
	}
	c, err := control.New(opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.controls[c.ID()]; ok {
		c.Destroy()
		return nil, fmt.Errorf("control %s already exists", c.ID())
	}
	m.controls[c.ID()] = c
	m.log.Info("创建控件", "control", string(c.ID()))
	return c, nil
}

// Get 获取控件
func (m *Manager) Get(id model.ControlID) (*control.Control, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controls[id]
	return c, ok
}

// Delete 注销并销毁控件
func (m *Manager) Delete(id model.ControlID) bool {
	m.mu.Lock()
	c, ok := m.controls[id]
	delete(m.controls, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.Destroy()
	m.log.Info("销毁控件", "control", string(id))
	return true
}

// List 返回所有活动控件，按 ID 排序
func (m *Manager) List() []*control.Control {
	m.mu.RLock()
	list := make([]*control.Control, 0, len(m.controls))
	for _, c := range m.controls {
		list = append(list, c)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Close 销毁全部控件
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.controls
	m.controls = make(map[model.ControlID]*control.Control)
	m.mu.Unlock()
	for _, c := range all {
		c.Destroy()
	}
}
