package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/herald-dev/herald/internal/agent"
	"github.com/herald-dev/herald/internal/config"
	"github.com/herald-dev/herald/internal/events"
)

const (
	wsBackoffInit   = 5 * time.Second
	wsBackoffMax    = 60 * time.Second
	wsHandleTimeout = 5 * time.Minute
	wsRateWindow    = time.Minute
	wsCleanupEvery  = 5 * time.Minute
	wsWriteDeadline = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

// wsFrame is one inbound message from the chat gateway.
type wsFrame struct {
	Type        string         `json:"type"`
	MessageID   string         `json:"message_id"`
	ChatID      string         `json:"chat_id"`
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Text        string         `json:"text"`
	Attachments []wsAttachment `json:"attachments"`
	Location    *wsLocation    `json:"location"`
	// PlaceholderID references a "typing" message the gateway posted;
	// the reply should replace it.
	PlaceholderID string `json:"placeholder_id"`
	Automated     bool   `json:"automated"`
}

type wsAttachment struct {
	Type   string `json:"type"` // "image" or "audio"
	URL    string `json:"url"`
	Data   string `json:"data"` // base64, audio only
	Format string `json:"format"`
}

type wsLocation struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Label     string  `json:"label"`
}

// wsOutgoing is one outbound frame to the chat gateway.
type wsOutgoing struct {
	Type              string `json:"type"`
	ChatID            string `json:"chat_id"`
	Text              string `json:"text"`
	Audio             string `json:"audio,omitempty"` // base64
	AudioFormat       string `json:"audio_format,omitempty"`
	ReplacesMessageID string `json:"replaces_message_id,omitempty"`
}

// transcriber converts audio to text. Satisfied by the model client.
type transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// wsBridge maintains a WebSocket connection to a chat gateway, feeds
// inbound messages to the engine, and implements agent.Deliverer for
// the reply path.
type wsBridge struct {
	cfg    config.WSConfig
	logger *slog.Logger
	bus    *events.Bus
	stt    transcriber

	connMu sync.Mutex
	conn   *websocket.Conn

	rateMu      sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

func newWSBridge(cfg config.WSConfig, logger *slog.Logger, bus *events.Bus) *wsBridge {
	return &wsBridge{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		senderTimes: make(map[string][]time.Time),
	}
}

// SetTranscriber enables voice note transcription on inbound messages.
func (b *wsBridge) SetTranscriber(t transcriber) {
	b.stt = t
}

// Run connects to the gateway and processes messages until ctx is
// cancelled. Connection losses trigger reconnects with exponential
// backoff.
func (b *wsBridge) Run(ctx context.Context, engine *agent.Engine) {
	backoff := wsBackoffInit
	for {
		if ctx.Err() != nil {
			b.logger.Info("ws bridge shutting down")
			return
		}

		conn, err := b.dial(ctx)
		if err != nil {
			b.logger.Error("ws connect failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, wsBackoffMax)
			continue
		}
		backoff = wsBackoffInit
		b.logger.Info("ws connected", "url", b.cfg.URL)

		b.readLoop(ctx, conn, engine)

		b.connMu.Lock()
		b.conn = nil
		b.connMu.Unlock()
		conn.Close()
	}
}

func (b *wsBridge) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", b.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}
	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	return conn, nil
}

// readLoop consumes frames until the connection breaks or ctx ends.
func (b *wsBridge) readLoop(ctx context.Context, conn *websocket.Conn, engine *agent.Engine) {
	// Keepalive pings; the gateway closes idle connections.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.writeControl(websocket.PingMessage)
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("ws read failed, reconnecting", "error", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Debug("ws non-JSON frame", "size", len(data))
			continue
		}
		if frame.Type != "message" || frame.ChatID == "" {
			continue
		}

		b.bus.Publish(events.Event{Source: events.SourceWS, Kind: events.KindMessageReceived, Data: map[string]any{
			"sender":  frame.UserID,
			"chat_id": frame.ChatID,
		}})

		if !b.allowSender(frame.UserID) {
			b.logger.Warn("ws message rate-limited", "sender", frame.UserID)
			b.bus.Publish(events.Event{Source: events.SourceWS, Kind: events.KindRateLimited, Data: map[string]any{
				"sender": frame.UserID,
			}})
			continue
		}

		go b.handleFrame(ctx, engine, frame)
	}
}

// handleFrame converts one gateway frame into an engine event and runs
// it. Replies come back through Deliver via the event's recipients.
func (b *wsBridge) handleFrame(ctx context.Context, engine *agent.Engine, frame wsFrame) {
	ctx, cancel := context.WithTimeout(ctx, wsHandleTimeout)
	defer cancel()

	ev := b.eventFromFrame(ctx, frame)

	b.logger.Info("ws message received",
		"sender", frame.UserID,
		"chat_id", frame.ChatID,
		"parts", len(ev.Parts),
	)

	if _, err := engine.Handle(ctx, ev); err != nil {
		b.logger.Error("ws request failed", "chat_id", frame.ChatID, "error", err)
		// Tell the user something went wrong rather than going silent.
		b.deliverBestEffort(ctx, &agent.Outgoing{
			ChatID:        frame.ChatID,
			Text:          "Sorry, something went wrong handling that message.",
			PlaceholderID: frame.PlaceholderID,
		})
	}
}

// eventFromFrame maps a gateway frame onto an engine event, decoding
// attachments and transcribing voice notes when a transcriber is set.
func (b *wsBridge) eventFromFrame(ctx context.Context, frame wsFrame) *agent.Event {
	ev := &agent.Event{
		Sender: agent.Sender{
			Channel:     "ws",
			UserID:      sanitizeID(frame.UserID),
			ChatID:      frame.ChatID,
			DisplayName: frame.DisplayName,
			Automated:   frame.Automated,
		},
		Recipients: []agent.Recipient{{Channel: "ws", ChatID: frame.ChatID}},
		Metadata:   agent.Metadata{PlaceholderID: frame.PlaceholderID},
	}
	if frame.Text != "" {
		ev.Parts = append(ev.Parts, agent.MessagePart{Kind: agent.PartText, Text: frame.Text})
	}
	for _, att := range frame.Attachments {
		switch att.Type {
		case "image":
			ev.Parts = append(ev.Parts, agent.MessagePart{Kind: agent.PartImage, ImageURL: att.URL})
		case "audio":
			audio, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				b.logger.Warn("ws audio attachment not base64", "chat_id", frame.ChatID, "error", err)
				continue
			}
			ev.Parts = append(ev.Parts, agent.MessagePart{Kind: agent.PartAudio, Audio: audio, Format: att.Format})
			// Voice notes also get a best-effort transcript so
			// text-only models can follow along. Failure means
			// audio-only, never an error.
			if b.stt != nil {
				if text, err := b.stt.Transcribe(ctx, audio, att.Format); err != nil {
					b.logger.Warn("voice transcription failed", "chat_id", frame.ChatID, "error", err)
				} else if text != "" {
					ev.Parts = append(ev.Parts, agent.MessagePart{
						Kind: agent.PartText,
						Text: "(voice transcript) " + text,
					})
				}
			}
		}
	}
	if frame.Location != nil {
		ev.Location = &agent.Location{
			Latitude:  frame.Location.Latitude,
			Longitude: frame.Location.Longitude,
			Label:     frame.Location.Label,
		}
	}
	return ev
}

// Deliver implements agent.Deliverer.
func (b *wsBridge) Deliver(ctx context.Context, out *agent.Outgoing) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("ws not connected")
	}

	b.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := b.conn.WriteJSON(outgoingFrame(out)); err != nil {
		return fmt.Errorf("ws send: %w", err)
	}
	return nil
}

// outgoingFrame maps an engine delivery onto a gateway frame. A
// suppressed placeholder is left untouched so a later delivery in the
// same request can still replace it.
func outgoingFrame(out *agent.Outgoing) wsOutgoing {
	frame := wsOutgoing{
		Type:        "send",
		ChatID:      out.ChatID,
		Text:        out.Text,
		AudioFormat: out.AudioFormat,
	}
	if len(out.Audio) > 0 {
		frame.Audio = base64.StdEncoding.EncodeToString(out.Audio)
	}
	if !out.SuppressPlaceholder {
		frame.ReplacesMessageID = out.PlaceholderID
	}
	return frame
}

func (b *wsBridge) deliverBestEffort(ctx context.Context, out *agent.Outgoing) {
	if err := b.Deliver(ctx, out); err != nil {
		b.logger.Warn("ws error notice failed", "chat_id", out.ChatID, "error", err)
	}
}

func (b *wsBridge) writeControl(messageType int) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return
	}
	b.conn.WriteControl(messageType, nil, time.Now().Add(wsWriteDeadline))
}

// allowSender checks the per-sender sliding-window rate limit.
func (b *wsBridge) allowSender(senderID string) bool {
	if b.cfg.RateLimitPerMinute <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-wsRateWindow)

	b.rateMu.Lock()
	defer b.rateMu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.cfg.RateLimitPerMinute {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts idle sender entries. Caller holds rateMu.
func (b *wsBridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < wsCleanupEvery {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * wsRateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// sanitizeID strips anything that is not alphanumeric, dash or
// underscore so external identifiers are safe as storage keys.
func sanitizeID(id string) string {
	var sb strings.Builder
	for _, r := range id {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '-' || r == '_' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
