package correlator

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"docrelay/pkg/model"
	"docrelay/pkg/traffic"
)

// ErrorBody 获取文档失败时返回给查看器的 HTML
const ErrorBody = "<html><body>Error fetching file content</body></html>"

var binaryTypes = []string{
	"application/pdf",
	"application/octet-stream",
	"application/wasm",
}

// IsBinaryType 判断内容类型是否按二进制处理
func IsBinaryType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, b := range binaryTypes {
		if strings.HasPrefix(ct, b) {
			return true
		}
	}
	return false
}

func isTextType(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasPrefix(ct, "application/json"),
		strings.HasPrefix(ct, "application/javascript"),
		strings.HasPrefix(ct, "application/xml"):
		return true
	}
	return false
}

// DecodeContent 按传输编码还原文档字节
func DecodeContent(p model.DocumentPayload) ([]byte, error) {
	base64Encoded := p.Encoding == model.EncodingBase64 ||
		(p.Encoding == model.EncodingAuto && IsBinaryType(p.ContentType))
	if !base64Encoded {
		return []byte(p.Content), nil
	}
	b, err := decodeBase64(p.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return b, nil
}

// decodeBase64 兼容标准与 URL 安全字母表，以及缺失的填充
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	s = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(s)
	encs := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	var firstErr error
	for _, enc := range encs {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// Synthesize 由文档内容构造 200 响应
func Synthesize(p model.DocumentPayload, charset string) (*traffic.Response, error) {
	body, err := DecodeContent(p)
	if err != nil {
		return nil, err
	}
	res := traffic.NewResponse()
	res.StatusCode = http.StatusOK
	res.Headers.Set("Content-Length", p.LengthHeader())
	res.Headers.Set("Content-Type", contentTypeHeader(p.ContentType, charset))
	res.Body = body
	return res, nil
}

// ErrorResponse 构造 500 错误响应
func ErrorResponse() *traffic.Response {
	res := traffic.NewResponse()
	res.StatusCode = http.StatusInternalServerError
	res.Headers.Set("Content-Type", "text/html")
	res.Body = []byte(ErrorBody)
	return res
}

func contentTypeHeader(ct, charset string) string {
	if charset == "" || !isTextType(ct) || strings.Contains(strings.ToLower(ct), "charset=") {
		return ct
	}
	return ct + "; charset=" + charset
}
