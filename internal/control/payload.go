package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"docrelay/internal/correlator"
	"docrelay/pkg/model"
)

var (
	contentKeys = []string{"content", "fileContent", `\$content`}
	lengthKeys  = []string{"contentLength", "fileContentLength"}
	typeKeys    = []string{"contentType", "fileContentType", `\$content-type`}
)

// normalize 将输入属性统一为 JSON 文本，支持 JSON 字符串与结构化值
func normalize(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(x), nil
	case []byte:
		return strings.TrimSpace(string(x)), nil
	case json.RawMessage:
		return strings.TrimSpace(string(x)), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("%w: %v", correlator.ErrMalformedPayload, err)
		}
		return string(b), nil
	}
}

// ParsePayload 解析文档输入属性，返回文档内容及其规范化文本（用于判断是否变化）
func ParsePayload(v any) (model.DocumentPayload, string, error) {
	raw, err := normalize(v)
	if err != nil || raw == "" {
		return model.DocumentPayload{}, raw, err
	}
	if !gjson.Valid(raw) {
		return model.DocumentPayload{}, raw, fmt.Errorf("%w: invalid json", correlator.ErrMalformedPayload)
	}
	r := gjson.Parse(raw)
	if !r.IsObject() {
		return model.DocumentPayload{}, raw, fmt.Errorf("%w: expected object, got %s", correlator.ErrMalformedPayload, r.Type)
	}

	var p model.DocumentPayload
	structured := false
	content := first(r, contentKeys)
	if !content.IsObject() && r.Get(`\$content`).Exists() {
		structured = true
	}
	switch {
	case content.IsObject():
		// 工作流引擎的文件内容格式：{"$content-type": ..., "$content": ...}
		structured = true
		p.Content = content.Get(`\$content`).String()
		p.ContentType = content.Get(`\$content-type`).String()
	case content.Exists():
		p.Content = content.String()
	}

	if l := first(r, lengthKeys); l.Exists() {
		p.ContentLength = l.Int()
		if p.ContentLength < 0 {
			return model.DocumentPayload{}, raw, fmt.Errorf("%w: negative content length", correlator.ErrMalformedPayload)
		}
	}
	if ct := first(r, typeKeys); ct.Exists() && ct.String() != "" {
		p.ContentType = ct.String()
	}
	if enc := r.Get("encoding"); enc.Exists() {
		switch model.Encoding(strings.ToLower(enc.String())) {
		case model.EncodingBase64:
			p.Encoding = model.EncodingBase64
		case model.EncodingText:
			p.Encoding = model.EncodingText
		case model.EncodingAuto:
		default:
			return model.DocumentPayload{}, raw, fmt.Errorf("%w: unknown encoding %q", correlator.ErrMalformedPayload, enc.String())
		}
	}
	if structured {
		// 结构化文件内容始终是 base64，且不带长度
		p.Encoding = model.EncodingBase64
		if p.ContentLength == 0 && p.Content != "" {
			if b, err := correlator.DecodeContent(p); err == nil {
				p.ContentLength = int64(len(b))
			}
		}
	}
	return p, raw, nil
}

func first(r gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// EncodeOutputs 输出属性的 JSON 表示
func EncodeOutputs(o model.Outputs) (string, error) {
	s, err := sjson.Set("{}", "interceptedUrl", o.InterceptedURL)
	if err != nil {
		return "", err
	}
	return sjson.Set(s, "pdfdoc", o.PDFDoc)
}

// SaveMessage 查看器 iframe 发出的保存消息
type SaveMessage struct {
	Type string
	File string
}

const MessageSaveDocument = "SAVE_DOCUMENT"

// ParseMessage 解析 postMessage 数据
func ParseMessage(data []byte) (SaveMessage, error) {
	if !gjson.ValidBytes(data) {
		return SaveMessage{}, fmt.Errorf("invalid message")
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return SaveMessage{}, fmt.Errorf("message is not an object")
	}
	msg := SaveMessage{Type: r.Get("type").String()}
	file := r.Get("payload.file")
	if file.Type == gjson.String {
		msg.File = file.String()
	} else if file.Exists() {
		msg.File = file.Raw
	}
	return msg, nil
}
