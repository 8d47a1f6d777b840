// Package openai implements the s2s.Transport interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz; captured frames are
// resampled on the way out. Server-side voice activity detection decides when
// the user has finished speaking.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/deskvoice/pkg/audio"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s/internal/wsession"
)

// Compile-time assertion that Transport satisfies the s2s interface.
var _ s2s.Transport = (*Transport)(nil)

var _ wsession.Replier = (*codec)(nil)

const (
	// Name is the registry name of this transport.
	Name = "openai-realtime"

	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// wireSampleRate is the PCM16 rate the Realtime API expects in both directions.
	wireSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the OpenAI Realtime model.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithTranscriptionModel sets the model used for user speech transcription.
func WithTranscriptionModel(model string) Option {
	return func(t *Transport) { t.transcriptionModel = model }
}

// WithHandshakeTimeout bounds how long Connect waits for session.updated.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.handshakeTimeout = d }
}

// WithKeepalive sets the WebSocket ping interval. Negative disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements s2s.Transport for the OpenAI Realtime API.
type Transport struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	handshakeTimeout   time.Duration
	keepalive          time.Duration
}

// New creates a new OpenAI Realtime Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
		handshakeTimeout:   wsession.DefaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements s2s.Transport.
func (t *Transport) Name() string { return Name }

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated before returning an open session.
func (t *Transport) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", t.baseURL, url.QueryEscape(t.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &s2s.ConnectError{Transport: Name, Stage: "dial", Err: err}
	}
	conn.SetReadLimit(16 << 20)

	c := &codec{conv: audio.FormatConverter{Target: audio.Format{SampleRate: wireSampleRate, Channels: 1}}}
	sess := wsession.New(conn, c, wsession.Config{
		Transport:         Name,
		SendQueue:         cfg.SendQueue,
		KeepaliveInterval: t.keepalive,
	})

	update, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: t.sessionParams(cfg)})
	if err != nil {
		sess.Abort("session update failed")
		return nil, &s2s.ConnectError{Transport: Name, Stage: "session.update", Err: err}
	}
	err = wsession.Handshake(ctx, conn, update, t.handshakeTimeout, func(data []byte) (bool, error) {
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return false, nil
		}
		switch evt.Type {
		case "session.updated":
			return true, nil
		case "error":
			return false, errors.New(evt.errorText())
		}
		return false, nil
	})
	if err != nil {
		sess.Abort("session update failed")
		return nil, &s2s.ConnectError{Transport: Name, Stage: "session.update", Err: err}
	}

	sess.Start()
	return sess, nil
}

func (t *Transport) sessionParams(cfg s2s.SessionConfig) sessionParams {
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Instructions:            cfg.SystemInstruction,
		Voice:                   cfg.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: t.transcriptionModel},
		TurnDetection:           &turnDetection{Type: "server_vad", CreateResponse: true},
	}
	if cfg.TranscribeOnly {
		params.Modalities = []string{"text"}
		params.Voice = ""
		params.TurnDetection.CreateResponse = false
	}
	if cfg.ToolsEnabled && len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, tool := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			}
		}
		params.ToolChoice = "auto"
	}
	return params
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type           string `json:"type"`
	CreateResponse bool   `json:"create_response"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseBody `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseBody struct {
	Status string         `json:"status"`
	Output []responseItem `json:"output"`
}

type responseItem struct {
	Type string `json:"type"`
}

func (e *serverEvent) errorText() string {
	if e.Error == nil || e.Error.Message == "" {
		return "openai: unknown error"
	}
	return "openai: " + e.Error.Message
}

// recoverableErrorType marks error events that reject a single client
// message. The session stays usable after them.
const recoverableErrorType = "invalid_request_error"

var responseCreate = []byte(`{"type":"response.create"}`)

// ── codec ──────────────────────────────────────────────────────────────────────

// codec tracks the function calls of the in-flight response so that exactly
// one response.create follows the last function_call_output of a response.
type codec struct {
	mu   sync.Mutex
	conv audio.FormatConverter

	// pending holds call IDs announced by the server and not yet answered.
	pending map[string]struct{}
	// streaming is set between the first function call of a response and
	// its response.done.
	streaming bool
	// awaitResults is set when a response ended with calls still pending.
	awaitResults bool
	replies      [][]byte
}

func (c *codec) EncodeAudio(frame audio.AudioFrame) ([]byte, error) {
	c.mu.Lock()
	frame = c.conv.Convert(frame)
	c.mu.Unlock()
	if len(frame.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeTransport(frame.Data),
	})
}

func (c *codec) EncodeToolResult(res s2s.ToolResult) ([][]byte, error) {
	output, err := json.Marshal(map[string]string{"result": res.Result})
	if err != nil {
		return nil, err
	}
	item, err := json.Marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: res.ID,
			Output: string(output),
		},
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, known := c.pending[res.ID]
	delete(c.pending, res.ID)
	switch {
	case len(c.pending) > 0 || c.streaming:
		return [][]byte{item}, nil
	case c.awaitResults:
		c.awaitResults = false
		return [][]byte{item, responseCreate}, nil
	case !known:
		// Answer to a call this session never announced; still ask for a reply.
		return [][]byte{item, responseCreate}, nil
	}
	return [][]byte{item}, nil
}

// Replies implements wsession.Replier.
func (c *codec) Replies() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.replies
	c.replies = nil
	return out
}

func (c *codec) callAnnounced(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]struct{})
	}
	c.pending[id] = struct{}{}
	c.streaming = true
}

// responseFinished closes the in-flight response. If every call was already
// answered the follow-up response is requested right away.
func (c *codec) responseFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		return
	}
	c.streaming = false
	if len(c.pending) == 0 {
		c.replies = append(c.replies, responseCreate)
		return
	}
	c.awaitResults = true
}

func (c *codec) Decode(data []byte) ([]s2s.Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("openai: unmarshal: %w", err)
	}

	switch evt.Type {
	case "response.audio.delta":
		raw, err := audio.DecodeTransport(evt.Delta)
		if err != nil || len(raw) == 0 {
			return nil, nil
		}
		return []s2s.Event{s2s.AudioChunk{Data: raw}}, nil

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return nil, nil
		}
		return []s2s.Event{s2s.PartialTranscript{Speaker: s2s.SpeakerAssistant, Text: evt.Delta}}, nil

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return nil, nil
		}
		return []s2s.Event{s2s.PartialTranscript{Speaker: s2s.SpeakerUser, Text: evt.Transcript}}, nil

	case "input_audio_buffer.speech_started":
		return []s2s.Event{s2s.Interrupted{}}, nil

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				slog.Warn("openai: tool call arguments are not a JSON object", "name", evt.Name, "err", err)
				args = map[string]any{}
			}
		}
		c.callAnnounced(evt.CallID)
		return []s2s.Event{s2s.ToolCallRequest{ID: evt.CallID, Name: evt.Name, Arguments: args}}, nil

	case "response.done":
		// A response that requested tool calls continues once the results
		// are sent; the turn is not over yet.
		if evt.Response != nil {
			for _, item := range evt.Response.Output {
				if item.Type == "function_call" {
					c.responseFinished()
					return nil, nil
				}
			}
		}
		c.responseFinished()
		return []s2s.Event{s2s.TurnComplete{}}, nil

	case "error":
		if evt.Error != nil && evt.Error.Type == recoverableErrorType {
			slog.Warn("openai: request rejected",
				"code", evt.Error.Code,
				"message", evt.Error.Message,
			)
			return nil, nil
		}
		return []s2s.Event{s2s.Error{Message: evt.errorText()}}, nil
	}
	return nil, nil
}
