// Package s2s defines the Transport interface for real-time speech-to-speech
// understanding services.
//
// A Transport opens one persistent, bidirectional Session per voice session.
// The session accepts PCM16 microphone frames and tool-call results, and emits
// a single ordered stream of typed [Event] values: partial transcripts for
// both speakers, synthesized audio, tool-call requests and turn boundaries.
//
// Sessions never reconnect on their own. A caller that wants to retry after a
// failure calls Connect again and discards the old Session.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/deskvoice/pkg/audio"
)

// ToolDefinition describes a tool the remote model may call.
type ToolDefinition struct {
	// Name is the identifier the model uses in tool-call requests.
	Name string

	// Description tells the model when and how to use the tool.
	Description string

	// Parameters is a JSON Schema object describing the tool arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// SystemInstruction is the system-level prompt for the assistant.
	SystemInstruction string

	// ToolsEnabled controls whether Tools are offered to the model.
	ToolsEnabled bool

	// Tools is the set of tool definitions offered when ToolsEnabled is true.
	Tools []ToolDefinition

	// Voice selects a provider-specific synthesized voice. Empty uses the
	// provider default.
	Voice string

	// TranscribeOnly asks the service for user transcripts without generating
	// spoken responses. Used by dictation.
	TranscribeOnly bool

	// SendQueue bounds the number of audio frames waiting to be written.
	// Zero uses [DefaultSendQueue].
	SendQueue int
}

// DefaultSendQueue is the default outbound audio queue length (about
// 2.5 seconds of 4096-sample frames at 16 kHz).
const DefaultSendQueue = 10

// ToolResult is the reply to a [ToolCallRequest], correlated by ID.
type ToolResult struct {
	ID     string
	Name   string
	Result string
}

// Stats reports per-session counters.
type Stats struct {
	// AudioSent is the number of audio frames written to the connection.
	AudioSent int64

	// AudioDropped is the number of audio frames discarded because the
	// outbound queue was full.
	AudioDropped int64
}

// Session is one live connection to the understanding service.
//
// SendAudio and SendToolResult never block on the network. After Close or a
// fatal error both are silent no-ops.
type Session interface {
	// SendAudio queues one PCM16 frame. If the outbound queue is saturated the
	// oldest unsent frame is dropped to make room.
	SendAudio(frame audio.AudioFrame)

	// SendToolResult queues a tool result. Results are never dropped.
	SendToolResult(res ToolResult)

	// Events returns the inbound event stream. Events arrive in the order the
	// service sent them. The final event is [Closed], after which the channel
	// is closed.
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// Stats returns a snapshot of the session counters.
	Stats() Stats

	// Close terminates the session. It is safe to call more than once, and
	// after the session has already failed.
	Close() error
}

// Transport is the abstraction over a speech-to-speech backend.
type Transport interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Connect opens a session and blocks until the service has acknowledged
	// the session configuration. Any failure is returned as a [*ConnectError].
	// The caller owns the returned Session and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
