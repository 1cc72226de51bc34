// ABOUTME: Tests for streamed run event decoding.
// ABOUTME: Covers fragments, terminal signals, and the unknown-event skip rule.

package assistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeStreamEvent_Fragment(t *testing.T) {
	data := []byte(`{"delta":{"content":[{"type":"text","text":{"value":"Hello"}}]}}`)

	ev := decodeStreamEvent("thread.message.delta", data)
	assert.Equal(t, KindFragment, ev.Kind)
	assert.Equal(t, "Hello", ev.Text)
}

func TestDecodeStreamEvent_FragmentConcatenatesParts(t *testing.T) {
	data := []byte(`{"delta":{"content":[
		{"type":"text","text":{"value":"Hel"}},
		{"type":"output_text","text":{"value":"lo"}},
		{"type":"image_file","text":{"value":"ignored"}}
	]}}`)

	ev := decodeStreamEvent("thread.message.delta", data)
	assert.Equal(t, KindFragment, ev.Kind)
	assert.Equal(t, "Hello", ev.Text)
}

func TestDecodeStreamEvent_EmptyFragmentDropped(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no content", `{"delta":{"content":[]}}`},
		{"empty value", `{"delta":{"content":[{"type":"text","text":{"value":""}}]}}`},
		{"non-text parts only", `{"delta":{"content":[{"type":"image_file","text":{"value":"x"}}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := decodeStreamEvent("thread.message.delta", []byte(tt.data))
			assert.Equal(t, KindUnknown, ev.Kind)
		})
	}
}

func TestDecodeStreamEvent_MalformedPayload(t *testing.T) {
	ev := decodeStreamEvent("thread.message.delta", []byte(`{not json`))
	assert.Equal(t, KindUnknown, ev.Kind)
}

func TestDecodeStreamEvent_Completed(t *testing.T) {
	ev := decodeStreamEvent("thread.run.completed", []byte(`{}`))
	assert.Equal(t, KindCompleted, ev.Kind)

	// A consolidated final message is a completion signal, not content
	ev = decodeStreamEvent("thread.message.completed", []byte(`{"content":[{"type":"text","text":{"value":"full text"}}]}`))
	assert.Equal(t, KindCompleted, ev.Kind)
	assert.Empty(t, ev.Text)
}

func TestDecodeStreamEvent_Failed(t *testing.T) {
	data := []byte(`{"last_error":{"code":"rate_limit_exceeded","message":"Rate limit reached"}}`)

	ev := decodeStreamEvent("thread.run.failed", data)
	assert.Equal(t, KindFailed, ev.Kind)
	assert.Equal(t, "Rate limit reached", ev.Reason)
}

func TestDecodeStreamEvent_FailedWithoutDetail(t *testing.T) {
	ev := decodeStreamEvent("thread.run.failed", []byte(`{}`))
	assert.Equal(t, KindFailed, ev.Kind)
	assert.Equal(t, "run failed", ev.Reason)
}

func TestDecodeStreamEvent_UnrecognizedEvent(t *testing.T) {
	ev := decodeStreamEvent("thread.run.step.created", []byte(`{"id":"step_1"}`))
	assert.Equal(t, KindUnknown, ev.Kind)
}
