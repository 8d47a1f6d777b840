package s2s

// Speaker tags a transcript fragment with who said it.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Event is one inbound item from the understanding service. The concrete type
// is one of [PartialTranscript], [AudioChunk], [ToolCallRequest],
// [Interrupted], [TurnComplete], [Error] or [Closed].
type Event interface {
	isEvent()
}

// PartialTranscript carries a fragment of recognised user speech or of the
// assistant's spoken response. Fragments are deltas and must be concatenated.
type PartialTranscript struct {
	Speaker Speaker
	Text    string
}

// AudioChunk carries raw PCM16 synthesized speech at [audio.OutputSampleRate].
type AudioChunk struct {
	Data []byte
}

// ToolCallRequest asks the local side to run a named tool. Arguments holds the
// decoded JSON object sent by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Interrupted reports that the service detected the user speaking over the
// assistant and abandoned the current response.
type Interrupted struct{}

// TurnComplete marks the end of the assistant's response for the current turn.
type TurnComplete struct{}

// Error reports a fatal transport or service error. It is always followed by
// [Closed].
type Error struct {
	Message string
}

// Closed is the last event of every session.
type Closed struct{}

func (PartialTranscript) isEvent() {}
func (AudioChunk) isEvent()        {}
func (ToolCallRequest) isEvent()   {}
func (Interrupted) isEvent()       {}
func (TurnComplete) isEvent()      {}
func (Error) isEvent()             {}
func (Closed) isEvent()            {}
