// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to script inbound events and inspect which audio chunks the
// caller sent.
//
// Example:
//
//	p := &mock.Provider{AutoReady: true}
//	handle, _ := p.Connect(ctx, cfg)
//	p.Last().Emit(s2s.Event{Type: s2s.EventAudio, Audio: "AAAA"})
//	p.Last().Finish(s2s.Event{Type: s2s.EventClosed})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session which is appended to Sessions.
	Session *Session

	// Sessions records the fresh sessions created by Connect.
	Sessions []*Session

	// AutoReady makes fresh sessions emit EventReady immediately.
	AutoReady bool

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if non-nil, runs before Connect returns. A non-nil result
	// is returned as the Connect error.
	ConnectFunc func(ctx context.Context) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn := p.ConnectFunc
	p.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	sess := NewSession(64)
	if p.AutoReady {
		sess.Emit(s2s.Event{Type: s2s.EventReady})
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Last returns Session if set, otherwise the most recent fresh session.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Session != nil {
		return p.Session
	}
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu         sync.Mutex
	events     chan s2s.Event
	sent       []s2s.Chunk
	closed     bool
	finished   bool
	closeCalls int

	// SendAudioErr, if non-nil, is returned from SendAudio (the chunk is still
	// recorded).
	SendAudioErr error
}

// NewSession returns a Session whose event channel buffers size events.
func NewSession(size int) *Session {
	return &Session{events: make(chan s2s.Event, size)}
}

// Emit queues ev on the event channel. It reports false if the channel is
// already closed or full.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Finish emits a terminal event and closes the event channel, as a provider
// does when the remote side ends the session.
func (s *Session) Finish(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.events <- ev:
	default:
		return false
	}
	s.finished = true
	close(s.events)
	return true
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk s2s.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.sent = append(s.sent, chunk)
	return s.SendAudioErr
}

// Sent returns a copy of every chunk passed to SendAudio.
func (s *Session) Sent() []s2s.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.Chunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close marks the session closed and closes the event channel if it is still
// open. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	if !s.finished {
		s.finished = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
