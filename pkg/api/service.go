package api

import (
	"context"

	"docrelay/internal/config"
	"docrelay/internal/control"
	"docrelay/internal/dispatch"
	"docrelay/internal/logger"
	"docrelay/internal/service"
	"docrelay/internal/storage"
	"docrelay/pkg/model"
)

// Inputs 宿主传入的控件属性
type Inputs = control.Inputs

// Dispatcher 查看器发起网络请求的出口
type Dispatcher = dispatch.Dispatcher

// Service 服务接口
type Service interface {
	// CreateControl 创建控件，id 为空时自动生成
	CreateControl(id model.ControlID) (model.ControlID, error)

	// DestroyControl 销毁控件，未完成的请求以错误响应结束
	DestroyControl(id model.ControlID) error

	// ListControls 列出控件
	ListControls() []model.ControlID

	// UpdateInputs 宿主属性更新
	UpdateInputs(id model.ControlID, in Inputs) (model.ViewState, error)

	// SubmitDocument 推送文档内容
	SubmitDocument(id model.ControlID, doc any) (bool, error)

	// ReportFailure 报告获取文档失败
	ReportFailure(id model.ControlID, reason string) error

	// Outputs 输出属性及变化次数
	Outputs(id model.ControlID) (model.Outputs, int64, error)

	// PostMessage 转发查看器消息
	PostMessage(id model.ControlID, data []byte, trusted bool) error

	// Pending 未解决的请求
	Pending(id model.ControlID) ([]model.PendingItem, error)

	// Stats 拦截统计
	Stats(id model.ControlID) (model.EngineStats, error)

	// Dispatcher 为进程内查看器安装拦截
	Dispatcher(id model.ControlID, base Dispatcher) (Dispatcher, error)

	// Events 历史事件
	Events(ctx context.Context, id model.ControlID, limit int) ([]model.Event, error)

	// ListTargets 列出浏览器页面
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)

	// AttachBrowser 连接浏览器页面并启用拦截
	AttachBrowser(id model.ControlID, target model.TargetID) error

	// DetachBrowser 断开浏览器
	DetachBrowser(id model.ControlID) error

	// Close 释放全部资源
	Close()
}

// NewService 创建并返回服务接口实现，store 可为空
func NewService(cfg *config.Config, l logger.Logger, store *storage.Store) Service {
	return service.New(service.Options{Config: cfg, Logger: l, Store: store})
}
