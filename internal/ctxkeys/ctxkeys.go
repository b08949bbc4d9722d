package ctxkeys

import "context"

// TraceIDKey 请求链路 ID 在 context 中的键
type TraceIDKey struct{}

// WithTraceID 写入链路 ID
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 读取链路 ID，不存在时返回空串
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDKey{}).(string)
	return id
}
