package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/herald-dev/herald/internal/config"
	"github.com/herald-dev/herald/internal/convo"
	"github.com/herald-dev/herald/internal/httpkit"
)

// OpenAI is a Client backed by an OpenAI-compatible HTTP API. It works
// against any service exposing /chat/completions, /audio/speech and
// /audio/transcriptions with the standard shapes.
type OpenAI struct {
	baseURL     string
	apiKey      string
	speechModel string
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ Client = (*OpenAI)(nil)

// Options configures an OpenAI client.
type Options struct {
	// BaseURL is the API root, without a trailing /v1 path requirement;
	// it is used verbatim as the prefix for endpoint paths.
	BaseURL string
	// APIKey is sent as a bearer token. Optional for local services.
	APIKey string
	// SpeechModel is used for both synthesis and transcription.
	SpeechModel string
}

// NewOpenAI creates a model service client.
func NewOpenAI(opts Options, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	// Model responses can take minutes on large contexts. The overall
	// client timeout is disabled; the transport bounds each phase and
	// callers bound the call with their context.
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = 120 * time.Second
	return &OpenAI{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		speechModel: opts.SpeechModel,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(transport),
		),
		logger: logger,
	}
}

// wire types for /chat/completions

type wireRequest struct {
	Model    string           `json:"model"`
	Messages []wireMessage    `json:"messages"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	Reasoning  []wireReasoning `json:"reasoning,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireReasoning struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      *wireMessage `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat implements Client.
func (c *OpenAI) Chat(ctx context.Context, model string, turns []convo.Turn, tools []map[string]any) (*ChatResponse, error) {
	req := wireRequest{
		Model:    model,
		Messages: make([]wireMessage, 0, len(turns)),
		Tools:    tools,
	}
	for _, t := range turns {
		req.Messages = append(req.Messages, convertTo(t))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "chat request payload", "payload", string(body))

	var resp wireResponse
	if err := c.postJSON(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("model service returned no choices")
	}
	choice := resp.Choices[0]
	turn, err := convertFrom(choice.Message)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Model:        resp.Model,
		Turn:         turn,
		FinishReason: choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// convertTo maps an internal turn onto the wire message shape.
func convertTo(t convo.Turn) wireMessage {
	switch t.Role {
	case convo.RoleSystem:
		return wireMessage{Role: "system", Content: t.PlainText()}
	case convo.RoleTool:
		return wireMessage{Role: "tool", ToolCallID: t.ToolCallID, Content: t.Result}
	case convo.RoleAssistant:
		msg := wireMessage{Role: "assistant"}
		if t.Text != "" {
			msg.Content = t.Text
		}
		for _, tc := range t.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		for _, rb := range t.Reasoning {
			msg.Reasoning = append(msg.Reasoning, wireReasoning{
				Type:      rb.Type,
				Text:      rb.Text,
				Signature: rb.Signature,
			})
		}
		return msg
	default:
		return wireMessage{Role: "user", Content: convertParts(t.Parts)}
	}
}

// convertParts builds the user content array. A single text part
// collapses to a plain string for wire compatibility with services
// that reject content arrays.
func convertParts(parts []convo.Part) any {
	if len(parts) == 1 && parts[0].Type == convo.PartText {
		return parts[0].Text
	}
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case convo.PartText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case convo.PartImage:
			out = append(out, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": p.ImageURL},
			})
		case convo.PartAudio:
			out = append(out, map[string]any{
				"type": "input_audio",
				"input_audio": map[string]any{
					"data":   p.Audio,
					"format": p.Format,
				},
			})
		}
	}
	return out
}

// convertFrom maps a wire assistant message back to an internal turn.
func convertFrom(msg *wireMessage) (convo.Turn, error) {
	turn := convo.Turn{Role: convo.RoleAssistant, Timestamp: time.Now()}
	switch content := msg.Content.(type) {
	case nil:
	case string:
		turn.Text = content
	default:
		// Some services return the assistant content as a part array.
		data, err := json.Marshal(content)
		if err != nil {
			return convo.Turn{}, fmt.Errorf("reparse assistant content: %w", err)
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &parts); err != nil {
			return convo.Turn{}, fmt.Errorf("reparse assistant content: %w", err)
		}
		var texts []string
		for _, p := range parts {
			if p.Type == "text" && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		turn.Text = strings.Join(texts, "\n")
	}
	for _, tc := range msg.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, convo.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	for _, rb := range msg.Reasoning {
		turn.Reasoning = append(turn.Reasoning, convo.ReasoningBlock{
			Type:      rb.Type,
			Text:      rb.Text,
			Signature: rb.Signature,
		})
	}
	return turn, nil
}

// Speak implements Client.
func (c *OpenAI) Speak(ctx context.Context, text, voice string) ([]byte, string, error) {
	if c.speechModel == "" {
		return nil, "", fmt.Errorf("speech synthesis not configured")
	}
	body, err := json.Marshal(map[string]any{
		"model":           c.speechModel,
		"input":           text,
		"voice":           voice,
		"response_format": "mp3",
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("speech request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("speech request: status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read speech response: %w", err)
	}
	return audio, "mp3", nil
}

// Transcribe implements Client.
func (c *OpenAI) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if c.speechModel == "" {
		return "", fmt.Errorf("transcription not configured")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if err := mw.WriteField("model", c.speechModel); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription request: status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return out.Text, nil
}

// Ping implements Client.
func (c *OpenAI) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model service unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service ping: status %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenAI) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %d: %s",
			path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

func (c *OpenAI) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// EncodeAudio is a helper for bridges handing raw audio to the turn
// model, which carries audio as base64.
func EncodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeAudio reverses EncodeAudio.
func DecodeAudio(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return data, nil
}
