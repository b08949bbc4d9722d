package model

import (
	"strconv"
	"time"

	"docrelay/pkg/traffic"
)

type ControlID string
type RequestID string
type TargetID string

// Mechanism 发起请求的浏览器通道
type Mechanism string

const (
	MechanismXHR    Mechanism = "xhr"
	MechanismFetch  Mechanism = "fetch"
	MechanismScript Mechanism = "script"
)

// Valid 判断是否为已知通道
func (m Mechanism) Valid() bool {
	switch m {
	case MechanismXHR, MechanismFetch, MechanismScript:
		return true
	}
	return false
}

// CompletionFunc 被转移请求的完成句柄，由关联器独占并且只调用一次
type CompletionFunc func(res *traffic.Response)

// OutboundRequest 一次被拦截的出站请求
type OutboundRequest struct {
	ID        RequestID
	URL       string
	Method    string
	Mechanism Mechanism
	Complete  CompletionFunc
	CreatedAt time.Time
}

// Encoding 文档内容的传输编码
type Encoding string

const (
	EncodingAuto   Encoding = ""
	EncodingBase64 Encoding = "base64"
	EncodingText   Encoding = "text"
)

// DocumentPayload 宿主平台推送的一份文档内容
type DocumentPayload struct {
	Content       string   `json:"content"`
	ContentLength int64    `json:"contentLength"`
	ContentType   string   `json:"contentType"`
	Encoding      Encoding `json:"encoding,omitempty"`
}

// Complete 三个字段同时存在时才视为完整
func (p DocumentPayload) Complete() bool {
	return p.Content != "" && p.ContentLength > 0 && p.ContentType != ""
}

// IsZero 判断是否没有任何字段
func (p DocumentPayload) IsZero() bool {
	return p.Content == "" && p.ContentLength == 0 && p.ContentType == "" && p.Encoding == ""
}

// Merge 用 src 中非空字段覆盖当前值，返回合并结果
func (p DocumentPayload) Merge(src DocumentPayload) DocumentPayload {
	if src.Content != "" {
		p.Content = src.Content
	}
	if src.ContentLength > 0 {
		p.ContentLength = src.ContentLength
	}
	if src.ContentType != "" {
		p.ContentType = src.ContentType
	}
	if src.Encoding != EncodingAuto {
		p.Encoding = src.Encoding
	}
	return p
}

// LengthHeader 以十进制字符串返回声明长度
func (p DocumentPayload) LengthHeader() string {
	return strconv.FormatInt(p.ContentLength, 10)
}

// Outputs 控件对宿主平台暴露的输出属性
type Outputs struct {
	InterceptedURL string `json:"interceptedUrl"`
	PDFDoc         string `json:"pdfdoc"`
}

// ViewState 控件的非文档输入属性
type ViewState struct {
	DocURL       string `json:"doc"`
	ViewerHeight int    `json:"viewerheight"`
	ViewerWidth  int    `json:"viewerwidth"`
}

// Event 拦截过程中的事件
type Event struct {
	Type      string    `json:"type"`
	Control   ControlID `json:"control"`
	Request   RequestID `json:"request"`
	URL       string    `json:"url"`
	Mechanism Mechanism `json:"mechanism"`
	Status    int       `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

const (
	EventDiverted  = "diverted"
	EventActivated = "activated"
	EventPaired    = "paired"
	EventFailed    = "failed"
	EventAbandoned = "abandoned"
	EventPassed    = "passed"
	EventSaved     = "saved"
)

type EngineStats struct {
	Total     int64 `json:"total"`
	Diverted  int64 `json:"diverted"`
	Installed bool  `json:"installed"`
}

type PendingItem struct {
	ID        RequestID `json:"id"`
	URL       string    `json:"url"`
	Mechanism Mechanism `json:"mechanism"`
	Active    bool      `json:"active"`
}

type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}
