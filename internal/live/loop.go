package live

import (
	"context"

	"github.com/MrWong99/prismnexus/internal/observe"
	"github.com/MrWong99/prismnexus/pkg/audio"
	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
)

// loop is the single consumer of a ready run. Captured blocks and channel
// events are both handled here, so scheduling and state changes for one run
// never race with each other. It returns when the channel's event stream ends.
func (s *Session) loop(r *run) error {
	blocks := r.capture.Blocks()
	events := r.channel.Events()
	mime := audio.MIMEType(audio.InputSampleRate)

	for {
		select {
		case b, ok := <-blocks:
			if !ok {
				// The channel stays up; the session keeps playing the agent.
				blocks = nil
				if !r.isReleased() {
					r.log.Warn("capture stream ended, continuing receive-only")
				}
				continue
			}
			s.sendBlock(r, mime, b)

		case ev, ok := <-events:
			if !ok {
				if !r.isReleased() {
					s.channelClosed(r)
				}
				return nil
			}
			if !s.handleEvent(r, ev) {
				return nil
			}
		}
	}
}

func (s *Session) sendBlock(r *run, mime string, b audio.Block) {
	if r.isReleased() {
		return
	}
	err := r.channel.SendAudio(s2s.Chunk{MIMEType: mime, Data: audio.EncodeBase64(b)})
	s.record(func(m *observe.Metrics) { m.RecordFrame(context.Background(), err == nil) })
	if err != nil {
		r.log.Debug("dropping capture block", "err", err)
	}
	r.vis.offer(b)
}

// handleEvent reacts to one channel event. It returns false once the run
// has been torn down because of the event.
func (s *Session) handleEvent(r *run, ev s2s.Event) bool {
	switch ev.Type {
	case s2s.EventAudio:
		buf, err := audio.DecodeBase64(ev.Audio, audio.OutputSampleRate)
		if err != nil {
			s.record(func(m *observe.Metrics) { m.RecordChunk(context.Background(), false) })
			r.log.Warn("dropping undecodable audio chunk", "err", err)
			return true
		}
		if len(buf.Samples) == 0 {
			return true
		}
		p, err := r.sched.Schedule(buf)
		if err != nil {
			if r.isReleased() {
				return false
			}
			s.record(func(m *observe.Metrics) { m.RecordChunk(context.Background(), false) })
			r.log.Warn("dropping audio chunk", "err", err)
			return true
		}
		s.record(func(m *observe.Metrics) { m.RecordChunk(context.Background(), true) })
		r.log.Debug("scheduled agent audio", "start", p.Start, "duration", p.Duration)
		s.apply(r, EvAudio)

	case s2s.EventTurnComplete:
		s.apply(r, EvTurnComplete)

	case s2s.EventInterrupted:
		r.log.Debug("agent turn interrupted")

	case s2s.EventReady:
		r.log.Debug("ignoring repeated ready")

	case s2s.EventError:
		s.channelFailed(r, ev.Err)
		return false

	case s2s.EventClosed:
		s.channelClosed(r)
		return false
	}
	return true
}

// channelFailed records the disruption, passes through Error and tears the
// run down. Both transitions are made under one lock so no other event can
// observe the Error state in between.
func (s *Session) channelFailed(r *run, cause error) {
	r.log.Error("agent channel failed", "err", cause)
	s.record(func(m *observe.Metrics) { m.RecordProviderError(context.Background(), r.cfg.ProviderName, "channel") })

	s.mu.Lock()
	failed, ok := s.applyLocked(r, EvChannelError, msgLinkDisrupted)
	if !ok {
		s.mu.Unlock()
		return
	}
	changes := []StateChange{failed}
	if idle, ok := s.applyLocked(r, EvTeardown, ""); ok {
		changes = append(changes, idle)
	}
	s.commit(changes, func() { s.teardown(r) })
}

// channelClosed handles a close from the remote side.
func (s *Session) channelClosed(r *run) {
	r.log.Info("agent channel closed")
	s.mu.Lock()
	c, ok := s.applyLocked(r, EvClosed, "")
	if !ok {
		s.mu.Unlock()
		return
	}
	s.commit([]StateChange{c}, func() { s.teardown(r) })
}
