package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"docrelay/internal/correlator"
	"docrelay/pkg/model"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want model.DocumentPayload
	}{
		{
			name: "json string",
			in:   `{"content":"QUJD","contentLength":3,"contentType":"application/pdf"}`,
			want: model.DocumentPayload{Content: "QUJD", ContentLength: 3, ContentType: "application/pdf"},
		},
		{
			name: "file prefixed keys",
			in:   map[string]any{"fileContent": "QUJD", "fileContentLength": 3, "fileContentType": "application/pdf"},
			want: model.DocumentPayload{Content: "QUJD", ContentLength: 3, ContentType: "application/pdf"},
		},
		{
			name: "explicit text encoding",
			in:   json.RawMessage(`{"content":"abc","contentLength":3,"contentType":"text/plain","encoding":"TEXT"}`),
			want: model.DocumentPayload{Content: "abc", ContentLength: 3, ContentType: "text/plain", Encoding: model.EncodingText},
		},
		{
			name: "nested structured content",
			in:   `{"content":{"$content-type":"application/pdf","$content":"QUJD"}}`,
			want: model.DocumentPayload{Content: "QUJD", ContentLength: 3, ContentType: "application/pdf", Encoding: model.EncodingBase64},
		},
		{
			name: "top level structured content",
			in:   `{"$content-type":"application/pdf","$content":"QUJDRA=="}`,
			want: model.DocumentPayload{Content: "QUJDRA==", ContentLength: 4, ContentType: "application/pdf", Encoding: model.EncodingBase64},
		},
		{
			name: "partial",
			in:   `{"contentType":"application/pdf"}`,
			want: model.DocumentPayload{ContentType: "application/pdf"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, raw, err := ParsePayload(tt.in)
			require.NoError(t, err)
			assert.NotEmpty(t, raw)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePayloadEmpty(t *testing.T) {
	got, raw, err := ParsePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.True(t, got.IsZero())

	got, raw, err = ParsePayload("   ")
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.True(t, got.IsZero())
}

func TestParsePayloadMalformed(t *testing.T) {
	for _, in := range []any{
		"{broken",
		"[1,2,3]",
		`"just a string"`,
		`{"content":"x","contentLength":-1}`,
		`{"content":"x","encoding":"rot13"}`,
		map[string]any{"bad": make(chan int)},
	} {
		_, _, err := ParsePayload(in)
		assert.ErrorIs(t, err, correlator.ErrMalformedPayload, "%v", in)
	}
}

func TestEncodeOutputs(t *testing.T) {
	s, err := EncodeOutputs(model.Outputs{InterceptedURL: "https://x/public/doc", PDFDoc: "JVBERi0="})
	require.NoError(t, err)
	assert.Equal(t, "https://x/public/doc", gjson.Get(s, "interceptedUrl").String())
	assert.Equal(t, "JVBERi0=", gjson.Get(s, "pdfdoc").String())
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"SAVE_DOCUMENT","payload":{"file":"JVBERi0="}}`))
	require.NoError(t, err)
	assert.Equal(t, SaveMessage{Type: MessageSaveDocument, File: "JVBERi0="}, msg)

	msg, err = ParseMessage([]byte(`{"type":"SAVE_DOCUMENT","payload":{"file":{"pages":2}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"pages":2}`, msg.File)

	_, err = ParseMessage([]byte(`nope`))
	assert.Error(t, err)
	_, err = ParseMessage([]byte(`[]`))
	assert.Error(t, err)
}
