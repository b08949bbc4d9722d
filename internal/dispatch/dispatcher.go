package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"docrelay/pkg/traffic"
)

// Dispatcher 查看器发起网络请求所用的能力接口，对应浏览器的 fetch、XHR 与动态 script 三个出口
type Dispatcher interface {
	// Fetch 同步返回响应
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	// Send 异步发送 XHR，完成后驱动 readyState 变化
	Send(ctx context.Context, x *XHR) error
	// LoadScript 异步加载脚本，完成后触发 OnLoad
	LoadScript(ctx context.Context, s *Script) error
}

// ReadyState XHR 状态
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

// XHR 模拟浏览器 XMLHttpRequest 的最小状态机
type XHR struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header

	// OnReadyStateChange 在状态变为 Done 时调用，在独立 goroutine 中执行
	OnReadyStateChange func(x *XHR)

	mu           sync.Mutex
	readyState   ReadyState
	status       int
	response     []byte
	responseText string
	resHeader    traffic.Header
	aborted      bool
	cancel       context.CancelFunc
}

// NewXHR 创建并 open 一个 XHR
func NewXHR(method, url string) *XHR {
	return &XHR{Method: method, URL: url, Header: make(http.Header), readyState: Opened}
}

// Abort 取消进行中的请求
func (x *XHR) Abort() {
	x.mu.Lock()
	cancel := x.cancel
	x.cancel = nil
	x.aborted = true
	x.readyState = Unsent
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Aborted 是否调用过 Abort
func (x *XHR) Aborted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.aborted
}

func (x *XHR) ReadyState() ReadyState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.readyState
}

func (x *XHR) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

func (x *XHR) Response() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.response
}

func (x *XHR) ResponseText() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.responseText
}

// GetResponseHeader 大小写不敏感
func (x *XHR) GetResponseHeader(name string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.resHeader.Get(name)
}

// Resolve 以给定响应完成 XHR：置为 Done、写入状态码与响应体后触发回调
func (x *XHR) Resolve(res *traffic.Response) {
	x.mu.Lock()
	x.readyState = Done
	x.status = res.StatusCode
	x.response = res.Body
	x.responseText = string(res.Body)
	x.resHeader = res.Headers
	cancel := x.cancel
	x.cancel = nil
	cb := x.OnReadyStateChange
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cb != nil {
		go cb(x)
	}
}

func (x *XHR) start(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	x.mu.Lock()
	x.cancel = cancel
	x.mu.Unlock()
	return ctx
}

// Script 动态创建的 script 元素
type Script struct {
	Src string

	// OnLoad 加载完成时调用，在独立 goroutine 中执行
	OnLoad func(s *Script)
	// OnError 加载失败时调用
	OnError func(s *Script, err error)

	mu     sync.Mutex
	source []byte
	status int
}

func NewScript(src string) *Script {
	return &Script{Src: src}
}

// Source 已加载的脚本内容
func (s *Script) Source() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *Script) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Resolve 以给定响应完成脚本加载
func (s *Script) Resolve(res *traffic.Response) {
	s.mu.Lock()
	s.source = res.Body
	s.status = res.StatusCode
	s.mu.Unlock()
	if res.StatusCode >= http.StatusBadRequest {
		if s.OnError != nil {
			go s.OnError(s, fmt.Errorf("script %s: status %d", s.Src, res.StatusCode))
		}
		return
	}
	if s.OnLoad != nil {
		go s.OnLoad(s)
	}
}

// Network 直接访问网络的 Dispatcher
type Network struct {
	client *http.Client
}

// NewNetwork 使用给定 client 创建，nil 时使用 http.DefaultClient
func NewNetwork(client *http.Client) *Network {
	if client == nil {
		client = http.DefaultClient
	}
	return &Network{client: client}
}

func (n *Network) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return n.client.Do(req.WithContext(ctx))
}

func (n *Network) Send(ctx context.Context, x *XHR) error {
	ctx = x.start(ctx)
	req, err := http.NewRequestWithContext(ctx, x.Method, x.URL, bytes.NewReader(x.Body))
	if err != nil {
		return err
	}
	for k, vs := range x.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	go func() {
		res, err := n.client.Do(req)
		if err != nil {
			if x.Aborted() {
				return
			}
			x.Resolve(&traffic.Response{StatusCode: 0, Headers: make(traffic.Header)})
			return
		}
		out, err := traffic.FromHTTP(res)
		if err != nil {
			out = &traffic.Response{StatusCode: 0, Headers: make(traffic.Header)}
		}
		if x.Aborted() {
			return
		}
		x.Resolve(out)
	}()
	return nil
}

func (n *Network) LoadScript(ctx context.Context, s *Script) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Src, nil)
	if err != nil {
		return err
	}
	go func() {
		res, err := n.client.Do(req)
		if err != nil {
			if s.OnError != nil {
				s.OnError(s, err)
			}
			return
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			if s.OnError != nil {
				s.OnError(s, err)
			}
			return
		}
		out := traffic.NewResponse()
		out.StatusCode = res.StatusCode
		out.Body = body
		s.Resolve(out)
	}()
	return nil
}
