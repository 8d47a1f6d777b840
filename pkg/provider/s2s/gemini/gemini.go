// Package gemini implements the s2s.Transport interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; tool calls,
// transcriptions and turn boundaries arrive as typed s2s events.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s/internal/wsession"
)

// Compile-time assertion that Transport satisfies the s2s interface.
var _ s2s.Transport = (*Transport)(nil)

const (
	// Name is the registry name of this transport.
	Name = "gemini-live"

	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithHandshakeTimeout bounds how long Connect waits for setupComplete.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.handshakeTimeout = d }
}

// WithKeepalive sets the WebSocket ping interval. Negative disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements s2s.Transport for Google's Gemini Live API.
type Transport struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
	keepalive        time.Duration
}

// New creates a new Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: wsession.DefaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements s2s.Transport.
func (t *Transport) Name() string { return Name }

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete before returning an open session.
func (t *Transport) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		t.baseURL, url.QueryEscape(t.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &s2s.ConnectError{Transport: Name, Stage: "dial", Err: err}
	}
	conn.SetReadLimit(16 << 20)

	sess := wsession.New(conn, &codec{}, wsession.Config{
		Transport:         Name,
		SendQueue:         cfg.SendQueue,
		KeepaliveInterval: t.keepalive,
	})

	setup, err := json.Marshal(buildSetup(t.model, cfg))
	if err != nil {
		sess.Abort("setup failed")
		return nil, &s2s.ConnectError{Transport: Name, Stage: "setup", Err: err}
	}
	err = wsession.Handshake(ctx, conn, setup, t.handshakeTimeout, func(data []byte) (bool, error) {
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, nil
		}
		if msg.Error != nil {
			return false, errors.New(msg.Error.text())
		}
		return msg.SetupComplete != nil, nil
	})
	if err != nil {
		sess.Abort("setup failed")
		return nil, &s2s.ConnectError{Transport: Name, Stage: "setup", Err: err}
	}

	sess.Start()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response resultEnvelope `json:"response"`
}

type resultEnvelope struct {
	Result string `json:"result"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	GoAway               *json.RawMessage `json:"goAway,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) text() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini: error %d", e.Code)
	}
	return "gemini: " + e.Message
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// buildSetup returns the initial BidiGenerateContent setup message.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription: &struct{}{},
		},
	}
	if cfg.TranscribeOnly {
		msg.Setup.GenerationConfig.ResponseModalities = []string{"TEXT"}
	} else {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}

	if cfg.Voice != "" && !cfg.TranscribeOnly {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.ToolsEnabled && len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return msg
}

// ── codec ──────────────────────────────────────────────────────────────────────

type codec struct{}

func (codec) EncodeAudio(frame audio.AudioFrame) ([]byte, error) {
	return json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", frame.SampleRate),
				Data:     audio.EncodeTransport(frame.Data),
			}},
		},
	})
}

func (codec) EncodeToolResult(res s2s.ToolResult) ([][]byte, error) {
	data, err := json.Marshal(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       res.ID,
				Name:     res.Name,
				Response: resultEnvelope{Result: res.Result},
			}},
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// Decode maps one server message onto events. Within a message, audio and
// transcripts come before the interruption and turn-complete markers, which
// mirrors the order the fields describe.
func (codec) Decode(data []byte) ([]s2s.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("gemini: unmarshal: %w", err)
	}

	var evs []s2s.Event
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			evs = append(evs, s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: sc.InputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				raw, err := audio.DecodeTransport(p.InlineData.Data)
				if err != nil || len(raw) == 0 {
					continue
				}
				evs = append(evs, s2s.AudioChunk{Data: raw})
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			evs = append(evs, s2s.PartialTranscript{Speaker: s2s.SpeakerAssistant, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			evs = append(evs, s2s.Interrupted{})
		}
		if sc.TurnComplete {
			evs = append(evs, s2s.TurnComplete{})
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			evs = append(evs, s2s.ToolCallRequest{ID: fc.ID, Name: fc.Name, Arguments: args})
		}
	}
	if msg.Error != nil {
		evs = append(evs, s2s.Error{Message: msg.Error.text()})
	}
	return evs, nil
}
