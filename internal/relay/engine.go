// Package relay bridges a Twilio Media Streams websocket to an OpenAI
// Realtime websocket for the lifetime of a call.
//
// Each relay runs two loops: one reads the telephony leg and forwards caller
// audio to the AI, the other reads the AI leg, forwards agent audio back to
// the caller and records the transcript. Whichever loop exits first closes
// both legs, which ends the other. Once both loops are done the transcript
// is handed to the extraction pipeline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/voicerelay/internal/openai"
	"github.com/flowpbx/voicerelay/internal/session"
	"github.com/flowpbx/voicerelay/internal/twilio"
)

const (
	defaultWriteTimeout = 5 * time.Second
	hangUpTimeout       = 15 * time.Second
	handoffTimeout      = 2 * time.Minute
)

// Conn is the websocket surface the relay uses. *websocket.Conn satisfies
// it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the AI leg of a relay.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebsocketDialer adapts a dialer returning gorilla connections.
func WebsocketDialer(d interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Terminator hangs up calls.
type Terminator interface {
	HangUp(ctx context.Context, callSID string) error
}

// TranscriptProcessor receives the transcript of a finished relay.
type TranscriptProcessor interface {
	ProcessTranscript(ctx context.Context, callID, transcript string) error
}

// SessionConfigurer renders the session.update that opens the AI session.
type SessionConfigurer interface {
	SessionUpdate(projectPrompt string) ([]byte, error)
}

// Options tune relay timing.
type Options struct {
	// IdleTimeout closes a leg that has been silent this long. Zero
	// disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
	// CloseCallDelay postpones the hang-up after the agent's closing turn.
	CloseCallDelay time.Duration
}

// Stats counts relay activity across all sessions.
type Stats struct {
	Started        atomic.Uint64
	Rejected       atomic.Uint64
	FramesToAI     atomic.Uint64
	FramesToCaller atomic.Uint64
	FramesDropped  atomic.Uint64
	HangUps        atomic.Uint64
	Handoffs       atomic.Uint64
}

// Engine runs relays.
type Engine struct {
	store      *session.Store
	registry   *Registry
	dialer     Dialer
	terminator Terminator
	processor  TranscriptProcessor
	configurer SessionConfigurer
	opts       Options
	logger     *slog.Logger

	stats Stats
	wg    sync.WaitGroup
}

// NewEngine creates a relay engine.
func NewEngine(store *session.Store, registry *Registry, dialer Dialer, terminator Terminator, processor TranscriptProcessor, configurer SessionConfigurer, opts Options, logger *slog.Logger) *Engine {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Engine{
		store:      store,
		registry:   registry,
		dialer:     dialer,
		terminator: terminator,
		processor:  processor,
		configurer: configurer,
		opts:       opts,
		logger:     logger.With("subsystem", "relay"),
	}
}

// Stats returns the engine counters.
func (e *Engine) Stats() *Stats {
	return &e.stats
}

// Registry returns the registry of active relays.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Wait blocks until every running relay, including its transcript
// hand-off, has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Serve relays the telephony connection of sessionID until either leg
// ends, then hands the transcript off for extraction. It always closes
// telephony. Unknown sessions fail with session.ErrSessionNotFound before
// the AI leg is opened.
func (e *Engine) Serve(ctx context.Context, sessionID string, telephony Conn) error {
	callID, err := e.store.CallID(sessionID)
	if err != nil {
		e.stats.Rejected.Add(1)
		telephony.Close()
		return err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	logger := e.logger.With("session_id", sessionID, "call_id", callID)

	var prompt string
	if rec, ok := e.store.Record(callID); ok {
		prompt = rec.ProjectPrompt
	}
	update, err := e.configurer.SessionUpdate(prompt)
	if err != nil {
		e.stats.Rejected.Add(1)
		telephony.Close()
		return fmt.Errorf("relay: rendering session update: %w", err)
	}

	ai, err := e.dialer.Dial(ctx)
	if err != nil {
		e.stats.Rejected.Add(1)
		telephony.Close()
		logger.Error("ai connection failed", "error", err)
		return fmt.Errorf("relay: dialing ai: %w", err)
	}

	var closed atomic.Bool
	sess := newSession(sessionID, callID, func() {
		closed.Store(true)
		telephony.Close()
		ai.Close()
	})
	e.registry.Register(sess)
	defer e.registry.Release(sess)
	defer sess.Stop()

	if err := e.write(ai, update); err != nil {
		logger.Error("sending session update failed", "error", err)
		return fmt.Errorf("relay: sending session update: %w", err)
	}

	e.stats.Started.Add(1)
	sess.setState(SessionStateActive)
	logger.Info("relay started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer sess.Stop()
		return e.telephonyLoop(sess, telephony, ai, &closed, logger)
	})
	g.Go(func() error {
		defer sess.Stop()
		return e.aiLoop(gctx, g, sess, ai, telephony, &closed, logger)
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			sess.Stop()
		case <-done:
		}
	}()
	err = g.Wait()
	close(done)
	sess.Stop()

	logger.Info("relay stopped", "transcript_bytes", len(sess.Transcript()))

	if transcript := sess.Transcript(); transcript != "" {
		e.handoff(ctx, callID, transcript, logger)
	}
	return err
}

// telephonyLoop forwards caller audio to the AI leg.
func (e *Engine) telephonyLoop(sess *Session, telephony, ai Conn, closed *atomic.Bool, logger *slog.Logger) error {
	for {
		data, err := e.read(telephony)
		if err != nil {
			return readExit("telephony", err, closed, logger)
		}

		frame, err := twilio.DecodeStreamFrame(data)
		if err != nil {
			logger.Warn("skipping malformed stream frame", "error", err)
			continue
		}

		switch frame.Event {
		case twilio.EventMedia:
			// Media may arrive before start; it still reaches the AI.
			if frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			msg, err := openai.InputAudioAppend(frame.Media.Payload)
			if err != nil {
				return fmt.Errorf("relay: encoding caller audio: %w", err)
			}
			if err := e.write(ai, msg); err != nil {
				return writeExit("ai", err, closed)
			}
			e.stats.FramesToAI.Add(1)

		case twilio.EventStart:
			if frame.Start == nil {
				continue
			}
			sess.setStreamSID(frame.Start.StreamSID)
			if frame.Start.CallSID != "" && frame.Start.CallSID != sess.CallID {
				logger.Warn("stream started for a different call", "stream_call_sid", frame.Start.CallSID)
			}
			logger.Info("media stream started", "stream_sid", frame.Start.StreamSID)

		case twilio.EventStop:
			logger.Info("media stream stopped")
			return nil

		default:
			logger.Debug("ignoring stream frame", "event", frame.Event)
		}
	}
}

// aiLoop forwards agent audio to the caller and records the transcript.
func (e *Engine) aiLoop(ctx context.Context, g *errgroup.Group, sess *Session, ai, telephony Conn, closed *atomic.Bool, logger *slog.Logger) error {
	for {
		data, err := e.read(ai)
		if err != nil {
			return readExit("ai", err, closed, logger)
		}

		ev, err := openai.DecodeEvent(data)
		if err != nil {
			logger.Warn("skipping malformed ai event", "error", err)
			continue
		}

		switch ev := ev.(type) {
		case openai.AudioDelta:
			streamSID := sess.StreamSID()
			if streamSID == "" || ev.Delta == "" {
				e.stats.FramesDropped.Add(1)
				continue
			}
			msg, err := twilio.MediaFrame(streamSID, ev.Delta)
			if err != nil {
				e.stats.FramesDropped.Add(1)
				logger.Warn("dropping malformed agent audio", "error", err)
				continue
			}
			if err := e.write(telephony, msg); err != nil {
				return writeExit("telephony", err, closed)
			}
			e.stats.FramesToCaller.Add(1)

		case openai.InputTranscriptionCompleted:
			sess.appendLine("User: " + strings.TrimSpace(ev.Transcript) + "\n")

		case openai.ResponseDone:
			if text, ok := ev.AgentTranscript(); ok {
				sess.appendLine("Agent: " + text + "\n")
			}
			if sess.consumeTermination() {
				g.Go(func() error {
					e.hangUp(ctx, sess, logger)
					return nil
				})
			}

		case openai.ItemCreated:
			if ev.IsCloseCall() {
				logger.Info("agent requested hang-up")
				sess.requestTermination()
			}

		case openai.ErrorEvent:
			logger.Error("ai session error", "error", ev.Error.String())
			return nil

		case openai.ConnectionClosed:
			logger.Info("ai session closed")
			return nil

		case openai.SessionUpdated:
			logger.Debug("ai session configured")

		default:
			logger.Debug("ignoring ai event", "type", ev.EventType())
		}
	}
}

// hangUp ends the call once the closing turn has played. With a delay
// configured, a relay that stops first means the call is already over.
func (e *Engine) hangUp(ctx context.Context, sess *Session, logger *slog.Logger) {
	if d := e.opts.CloseCallDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			logger.Debug("relay ended before delayed hang-up")
			return
		case <-sess.Done():
			logger.Info("call ended before delayed hang-up")
			return
		case <-t.C:
		}
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangUpTimeout)
	defer cancel()
	if err := e.terminator.HangUp(hctx, sess.CallID); err != nil {
		logger.Error("hang-up failed", "error", err)
		return
	}
	e.stats.HangUps.Add(1)
	logger.Info("call hung up by agent")
}

func (e *Engine) handoff(ctx context.Context, callID, transcript string, logger *slog.Logger) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
	defer cancel()

	e.stats.Handoffs.Add(1)
	if err := e.processor.ProcessTranscript(hctx, callID, transcript); err != nil {
		logger.Error("transcript processing failed", "error", err)
	}
}

func (e *Engine) read(conn Conn) ([]byte, error) {
	if e.opts.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(e.opts.IdleTimeout))
	}
	_, data, err := conn.ReadMessage()
	return data, err
}

func (e *Engine) write(conn Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readExit maps a read error to the loop result. Closures, whether ours or
// the peer's, end the loop cleanly.
func readExit(leg string, err error, closed *atomic.Bool, logger *slog.Logger) error {
	if closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn("leg idle, closing relay", "leg", leg)
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	logger.Warn("leg read failed", "leg", leg, "error", err)
	return fmt.Errorf("relay: reading %s: %w", leg, err)
}

func writeExit(leg string, err error, closed *atomic.Bool) error {
	if closed.Load() {
		return nil
	}
	return fmt.Errorf("relay: writing %s: %w", leg, err)
}
