// Package voice bridges a live voice session to the generation pipeline.
// The session speaks a small JSON protocol over a websocket: the client
// streams transcribed utterances and microphone levels up, the server
// streams status transitions and spoken replies down. Generation itself is
// delegated to the orchestrator, so a voice turn and a typed turn take the
// same path.
package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"atelier/internal/logging"
	"atelier/internal/types"
)

// Status is the session's audible state, surfaced to the client so the UI
// can animate the voice orb.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
)

// Delegator runs one delegated turn. Implemented by the orchestrator.
type Delegator interface {
	Delegate(ctx context.Context, prompt string, history []types.Turn) (string, error)
}

// Bridge is the surface a transport hands to UI-side listeners.
type Bridge interface {
	// Delegate forwards an utterance into the pipeline and returns the
	// spoken reply.
	Delegate(ctx context.Context, prompt string, history []types.Turn) (string, error)
	// OnStatusChange registers a callback for session status transitions.
	OnStatusChange(fn func(Status))
	// OnAudioLevel registers a callback for microphone level samples.
	OnAudioLevel(fn func(float64))
}

// wire abstracts the websocket connection for tests.
type wire interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// inbound is a client-to-server frame.
type inbound struct {
	Type  string  `json:"type"`
	Text  string  `json:"text,omitempty"`
	Level float64 `json:"level,omitempty"`
}

// outbound is a server-to-client frame.
type outbound struct {
	Type   string `json:"type"`
	Status Status `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Session is one live voice connection.
type Session struct {
	conn      wire
	delegator Delegator

	writeMu sync.Mutex

	mu       sync.Mutex
	status   Status
	history  []types.Turn
	onStatus []func(Status)
	onLevel  []func(float64)
}

// NewSession wraps an upgraded connection. Run must be called to start the
// read loop.
func NewSession(conn wire, d Delegator) *Session {
	return &Session{conn: conn, delegator: d, status: StatusIdle}
}

var _ Bridge = (*Session)(nil)

func (s *Session) Delegate(ctx context.Context, prompt string, history []types.Turn) (string, error) {
	return s.delegator.Delegate(ctx, prompt, history)
}

func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, fn)
	s.mu.Unlock()
}

func (s *Session) OnAudioLevel(fn func(float64)) {
	s.mu.Lock()
	s.onLevel = append(s.onLevel, fn)
	s.mu.Unlock()
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	handlers := append(([]func(Status))(nil), s.onStatus...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(st)
	}
	s.write(outbound{Type: "status", Status: st})
}

func (s *Session) write(msg outbound) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		logging.Voice().Debugw("voice write failed", "error", err)
	}
}

// Run consumes frames until the connection or ctx ends. Utterances are
// handled one at a time in arrival order.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	s.setStatus(StatusListening)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg inbound
		if err := s.conn.ReadJSON(&msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logging.Voice().Debugw("voice session closed", "error", err)
			return nil
		}

		switch msg.Type {
		case "utterance":
			s.handleUtterance(ctx, msg.Text)
		case "audio_level":
			s.mu.Lock()
			handlers := append(([]func(float64))(nil), s.onLevel...)
			s.mu.Unlock()
			for _, fn := range handlers {
				fn(msg.Level)
			}
		case "end":
			return nil
		default:
			logging.Voice().Debugw("ignoring unknown voice frame", "type", msg.Type)
		}
	}
}

func (s *Session) handleUtterance(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.setStatus(StatusThinking)
	s.mu.Lock()
	history := append([]types.Turn(nil), s.history...)
	s.mu.Unlock()

	reply, err := s.delegator.Delegate(ctx, text, history)
	if err != nil {
		logging.Voice().Warnw("delegated turn failed", "error", err)
		s.write(outbound{Type: "error", Error: err.Error()})
		s.setStatus(StatusListening)
		return
	}

	s.mu.Lock()
	s.history = append(s.history,
		types.TextTurn(types.RoleUser, text),
		types.TextTurn(types.RoleModel, reply),
	)
	s.mu.Unlock()

	s.setStatus(StatusSpeaking)
	s.write(outbound{Type: "reply", Text: reply})
	s.setStatus(StatusListening)
}
