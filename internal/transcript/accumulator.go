// Package transcript accumulates streamed transcript fragments for the turn
// in progress.
//
// The user and the assistant each have an independent buffer. Fragments are
// appended verbatim in arrival order; [Accumulator.OnTurnComplete] returns both
// buffers as one snapshot and clears them. That is the only point at which
// the buffers are reset.
package transcript

import (
	"strings"
	"sync"

	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// Turn is the finalized text of one user/assistant exchange.
type Turn struct {
	UserText      string
	AssistantText string
}

// Empty reports whether neither side said anything.
func (t Turn) Empty() bool { return t.UserText == "" && t.AssistantText == "" }

// Accumulator buffers transcript fragments for the current turn. It is safe
// for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	user      strings.Builder
	assistant strings.Builder
}

// OnFragment appends text to the buffer of speaker. Unknown speakers are ignored.
func (a *Accumulator) OnFragment(speaker s2s.Speaker, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch speaker {
	case s2s.SpeakerUser:
		a.user.WriteString(text)
	case s2s.SpeakerAssistant:
		a.assistant.WriteString(text)
	}
}

// Running returns the text accumulated so far without resetting it.
func (a *Accumulator) Running() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Turn{UserText: a.user.String(), AssistantText: a.assistant.String()}
}

// OnTurnComplete returns the finalized turn and resets both buffers.
func (a *Accumulator) OnTurnComplete() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := Turn{UserText: a.user.String(), AssistantText: a.assistant.String()}
	a.user.Reset()
	a.assistant.Reset()
	return t
}
