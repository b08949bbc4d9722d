package cdp

import (
	"sort"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"docrelay/pkg/model"
	"docrelay/pkg/traffic"
)

// MechanismFor 将 CDP 资源类型映射为请求通道，非 XHR/Fetch/Script 的资源不参与拦截
func MechanismFor(rt network.ResourceType) (model.Mechanism, bool) {
	switch rt {
	case network.ResourceTypeXHR:
		return model.MechanismXHR, true
	case network.ResourceTypeFetch:
		return model.MechanismFetch, true
	case network.ResourceTypeScript:
		return model.MechanismScript, true
	default:
		return "", false
	}
}

// ToOutbound 将暂停事件转换为出站请求，完成句柄由调用方设置
func ToOutbound(ev *fetch.RequestPausedReply, mech model.Mechanism) model.OutboundRequest {
	return model.OutboundRequest{
		ID:        model.RequestID(ev.RequestID),
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
		Mechanism: mech,
	}
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目，按名称排序保证输出稳定
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// FulfillArgs 由合成响应构造 Fetch.fulfillRequest 参数
func FulfillArgs(id fetch.RequestID, res *traffic.Response) *fetch.FulfillRequestArgs {
	args := &fetch.FulfillRequestArgs{RequestID: id, ResponseCode: res.StatusCode}
	if len(res.Headers) > 0 {
		args.ResponseHeaders = ToHeaderEntries(res.Headers)
	}
	if len(res.Body) > 0 {
		args.Body = res.Body
	}
	return args
}
