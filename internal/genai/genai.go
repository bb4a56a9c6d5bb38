// Package genai provides GenAI-enhanced operations using OpenAI API: free-form replies
// once a conversation has been handed off, and voice-note transcription.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Defaults for chat completions and transcription.
const (
	DefaultModel              = "gpt-4o-mini"
	DefaultTemperature        = 0.65
	DefaultMaxTokens          = 450
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
)

var (
	ErrAPIKeyRequired    = errors.New("OpenAI API key is required")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyAudio        = errors.New("audio payload is empty")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// transcriptionService defines minimal interface for audio transcription.
type transcriptionService interface {
	Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type transcriptionsAdapter struct {
	svc *openai.AudioTranscriptionService
}

func (a transcriptionsAdapter) Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey             string
	BaseURL            string
	Model              string
	Temperature        float64
	MaxTokens          int64
	TranscriptionModel string
	// DebugMode writes every request/response pair as JSON under StateDir/debug.
	DebugMode bool
	StateDir  string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the API key used for OpenAI.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTranscriptionModel sets the audio transcription model.
func WithTranscriptionModel(model string) Option {
	return func(o *Opts) { o.TranscriptionModel = model }
}

// WithDebugMode enables request/response dumps under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI chat and transcription services.
type Client struct {
	chat               chatService
	audio              transcriptionService
	model              string
	temperature        float64
	maxTokens          int64
	transcriptionModel string
	debugMode          bool
	stateDir           string
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:              DefaultModel,
		Temperature:        DefaultTemperature,
		MaxTokens:          DefaultMaxTokens,
		TranscriptionModel: DefaultTranscriptionModel,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyRequired
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient created", "model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens, "debugMode", cfg.DebugMode)
	return &Client{
		chat:               completionsAdapter{svc: &cli.Chat.Completions},
		audio:              transcriptionsAdapter{svc: &cli.Audio.Transcriptions},
		model:              cfg.Model,
		temperature:        cfg.Temperature,
		maxTokens:          cfg.MaxTokens,
		transcriptionModel: cfg.TranscriptionModel,
		debugMode:          cfg.DebugMode,
		stateDir:           cfg.StateDir,
	}, nil
}

// ReplyContext carries what the model needs to answer inside a conversation.
type ReplyContext struct {
	ConversationID string
	SystemPrompt   string
	// History is the recent message log, oldest first.
	History []models.MessageRecord
}

// GenerateReply answers userMessage given the system prompt and recent history.
func (c *Client) GenerateReply(ctx context.Context, rc ReplyContext, userMessage string) (string, error) {
	messages := BuildMessages(rc, userMessage)
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateReply request failed", "conversationID", rc.ConversationID, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebug("chat", params, resp)
	if len(resp.Choices) == 0 {
		slog.Warn("genai.GenerateReply returned no choices", "conversationID", rc.ConversationID)
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("genai.GenerateReply completed", "conversationID", rc.ConversationID, "model", c.model,
		"duration_ms", time.Since(start).Milliseconds(), "length", len(content))
	return content, nil
}

// BuildMessages converts a reply context into chat messages: system prompt, history
// mapped to user/assistant turns, then the user message. A trailing history entry that
// already is the current incoming message is not repeated.
func BuildMessages(rc ReplyContext, userMessage string) []openai.ChatCompletionMessageParamUnion {
	history := rc.History
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Direction == models.DirectionIncoming && strings.TrimSpace(last.Content) == strings.TrimSpace(userMessage) {
			history = history[:n-1]
		}
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if strings.TrimSpace(rc.SystemPrompt) != "" {
		messages = append(messages, openai.SystemMessage(rc.SystemPrompt))
	}
	for _, h := range history {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		if h.Direction == models.DirectionIncoming {
			messages = append(messages, openai.UserMessage(h.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(h.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))
	return messages
}

// Transcribe converts a voice note to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "voice."+audioExtension(mimeType), mimeType),
		Model: openai.AudioModel(c.transcriptionModel),
	}
	text, err := c.audio.Transcribe(ctx, params)
	if err != nil {
		slog.Error("genai.Transcribe request failed", "mimeType", mimeType, "size", len(audio), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text = strings.TrimSpace(text)
	slog.Debug("genai.Transcribe completed", "mimeType", mimeType, "size", len(audio), "length", len(text))
	return text, nil
}

// audioExtension picks a file extension the transcription endpoint recognises.
func audioExtension(mimeType string) string {
	m := strings.ToLower(mimeType)
	switch {
	case strings.Contains(m, "ogg"):
		return "ogg"
	case strings.Contains(m, "webm"):
		return "webm"
	case strings.Contains(m, "mp4"), strings.Contains(m, "m4a"):
		return "mp4"
	case strings.Contains(m, "mpeg"), strings.Contains(m, "mp3"):
		return "mp3"
	case strings.Contains(m, "wav"):
		return "wav"
	default:
		return "ogg"
	}
}

// writeDebug dumps a request/response pair when debug mode is enabled.
func (c *Client) writeDebug(kind string, request, response any) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.writeDebug failed to create directory", "dir", dir, "error", err)
		return
	}
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"kind":      kind,
		"model":     c.model,
		"request":   request,
		"response":  response,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebug failed to marshal payload", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405.000000000"), kind)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.writeDebug failed to write file", "error", err)
	}
}
