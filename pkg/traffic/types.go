package traffic

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Request 中立的请求模型
type Request struct {
	ID      string // 事务唯一ID
	URL     string // 完整URL
	Method  string // HTTP方法
	Headers Header // 请求头
	Body    []byte // 请求体原始数据
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Text 以字符串返回响应体
func (r *Response) Text() string {
	return string(r.Body)
}

// HTTPHeader 转换为标准库 Header
func (h Header) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// ToHTTP 转换为标准库响应，使其与真实网络响应无差别
func (r *Response) ToHTTP(req *http.Request) *http.Response {
	res := &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Headers.HTTPHeader(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
	return res
}

// FromHTTP 读取标准库响应并转换为中立模型
func FromHTTP(res *http.Response) (*Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	out := NewResponse()
	out.StatusCode = res.StatusCode
	for k := range res.Header {
		out.Headers.Set(k, res.Header.Get(k))
	}
	out.Body = body
	return out, nil
}
