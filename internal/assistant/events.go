// ABOUTME: Tagged event variant for streamed assistant runs.
// ABOUTME: Decodes wire-level SSE events once at the transport boundary.

package assistant

import "encoding/json"

// EventKind indicates the type of streamed run event.
type EventKind int

const (
	// KindFragment carries an incremental piece of assistant output.
	KindFragment EventKind = iota
	// KindCompleted signals that the run reached its completed state.
	// A consolidated final message is treated as a completion signal only;
	// the fragments already emitted are the authoritative content.
	KindCompleted
	// KindFailed signals that the run reached a terminal failure state.
	KindFailed
	// KindUnknown marks events that are malformed, empty, or of an
	// unrecognized type. Consumers skip these without aborting the stream.
	KindUnknown
)

// Event is one decoded event from a streamed run.
type Event struct {
	Kind   EventKind
	Text   string // fragment text, set for KindFragment
	Reason string // failure reason, set for KindFailed
}

// Wire event names emitted by the assistant service.
const (
	wireEventMessageDelta     = "thread.message.delta"
	wireEventMessageCompleted = "thread.message.completed"
	wireEventRunCompleted     = "thread.run.completed"
	wireEventRunFailed        = "thread.run.failed"
)

// messageDelta is the payload of a thread.message.delta event.
type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

// runFailure is the payload of a thread.run.failed event.
type runFailure struct {
	LastError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// decodeStreamEvent converts one wire event into the closed Event variant.
// Anything that is not a well-formed fragment or a terminal signal comes back
// as KindUnknown, so callers have a single skip rule instead of scattered
// guards.
func decodeStreamEvent(name string, data []byte) Event {
	switch name {
	case wireEventMessageDelta:
		var delta messageDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			return Event{Kind: KindUnknown}
		}
		var text string
		for _, part := range delta.Delta.Content {
			if part.Type == "text" || part.Type == "output_text" {
				text += part.Text.Value
			}
		}
		if text == "" {
			// Empty fragments are dropped
			return Event{Kind: KindUnknown}
		}
		return Event{Kind: KindFragment, Text: text}

	case wireEventRunCompleted, wireEventMessageCompleted:
		return Event{Kind: KindCompleted}

	case wireEventRunFailed:
		var failure runFailure
		reason := "run failed"
		if err := json.Unmarshal(data, &failure); err == nil && failure.LastError.Message != "" {
			reason = failure.LastError.Message
		}
		return Event{Kind: KindFailed, Reason: reason}

	default:
		return Event{Kind: KindUnknown}
	}
}
