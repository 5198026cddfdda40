package wire

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// IdleState is the state of the IDLE sub-protocol on a session.
type IdleState int32

const (
	IdleOff IdleState = iota
	IdleStarting
	IdleOn
	IdlePaused
)

func (st IdleState) String() string {
	switch st {
	case IdleStarting:
		return "starting"
	case IdleOn:
		return "on"
	case IdlePaused:
		return "paused"
	}
	return "off"
}

const minKeepAliveTick = 50 * time.Millisecond

// IdleOptions configures StartIdling.
type IdleOptions struct {
	// KeepAlive returns the inactivity threshold after which a NOOP is
	// issued. It is consulted on every tick; zero disables keep-alive.
	KeepAlive func() time.Duration
	// OnPush receives every untagged line the server pushes while idling.
	OnPush func(line string)
	// OnState is told about pauses, resumptions and the final stop.
	OnState func(IdleState)
}

type idleItem struct {
	line    string
	state   IdleState
	isState bool
}

type idleRun struct {
	tag    string
	opts   IdleOptions
	events *queue[idleItem]
	cancel context.CancelFunc
	group  *errgroup.Group
}

// IdleState reports the current IDLE state.
func (s *Session) IdleState() IdleState {
	return IdleState(s.state.Load())
}

// StartIdling enters IDLE and starts the keep-alive and event goroutines.
// It returns false if the server refused. Calling it while idle is already
// running is a no-op that returns true.
//
// Push handlers run on the event goroutine. They may issue commands, which
// pause and resume IDLE around themselves, but they must not call
// StopIdling synchronously: StopIdling waits for that goroutine.
func (s *Session) StartIdling(ctx context.Context, opts IdleOptions) (bool, error) {
	var (
		ok  bool
		err error
	)
	cerr := s.call(ctx, func(ctx context.Context) {
		switch s.IdleState() {
		case IdleOn, IdlePaused:
			ok = true
			return
		case IdleStarting:
			err = ErrIdleStarting
			return
		}
		if s.idle != nil {
			// The server ended a previous IDLE on its own; reap it first.
			s.reapIdle()
		}

		run := &idleRun{opts: opts, events: newQueue[idleItem]()}
		s.idle = run
		if ok, err = s.enterIdle(ctx); err != nil || !ok {
			s.idle = nil
			return
		}

		idleCtx, cancel := context.WithCancel(context.Background())
		g, gctx := errgroup.WithContext(idleCtx)
		run.cancel = cancel
		run.group = g
		g.Go(func() error { return s.dispatch(gctx, run) })
		if opts.KeepAlive != nil {
			g.Go(func() error { return s.keepAlive(gctx, opts.KeepAlive) })
		}
	})
	if cerr != nil {
		return false, cerr
	}
	return ok, err
}

// StopIdling leaves IDLE and waits for the idle goroutines to finish. The
// final IdleOff state is delivered before it returns.
func (s *Session) StopIdling(ctx context.Context) error {
	var (
		run *idleRun
		err error
	)
	cerr := s.call(ctx, func(ctx context.Context) {
		run = s.idle
		s.idle = nil
		if run == nil {
			return
		}
		if s.IdleState() == IdleOff {
			// Already reported when the server ended it.
			return
		}
		if s.IdleState() == IdleOn {
			err = s.leaveIdle(ctx, run)
		}
		s.state.Store(int32(IdleOff))
		s.log.Debug().Msg("idle stopped")
		run.events.push(idleItem{state: IdleOff, isState: true})
	})
	if cerr != nil && !errors.Is(cerr, ErrNotConnected) {
		return cerr
	}
	if run != nil && run.cancel != nil {
		run.cancel()
		_ = run.group.Wait()
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// reapIdle drops an idle run the server already terminated. Its goroutines
// are left to exit on cancellation; they hold no stream state.
func (s *Session) reapIdle() {
	if s.idle != nil && s.idle.cancel != nil {
		s.idle.cancel()
	}
	s.idle = nil
}

// enterIdle sends IDLE and waits for the continuation. Runs on the session
// goroutine with s.idle set.
func (s *Session) enterIdle(ctx context.Context) (bool, error) {
	s.state.Store(int32(IdleStarting))
	tag := s.nextTag()
	if err := s.writeLine(tag+" IDLE", false); err != nil {
		s.state.Store(int32(IdleOff))
		return false, err
	}
	for {
		r, err := s.next(ctx)
		if err != nil {
			s.state.Store(int32(IdleOff))
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		if r.raw != nil {
			continue
		}
		text := r.line.text
		if !r.line.literal {
			if strings.HasPrefix(text, "+") {
				s.idle.tag = tag
				s.state.Store(int32(IdleOn))
				s.log.Debug().Str("tag", tag).Msg("idle started")
				s.idle.events.push(idleItem{state: IdleOn, isState: true})
				return true, nil
			}
			if strings.HasPrefix(text, tag+" ") {
				s.state.Store(int32(IdleOff))
				if err := alertFrom(text); err != nil {
					return false, err
				}
				return false, nil
			}
		}
		s.idle.events.push(idleItem{line: text})
	}
}

// pauseIdle interrupts a running IDLE before an exchange. It reports
// whether IDLE should be resumed afterwards.
func (s *Session) pauseIdle(ctx context.Context) (bool, error) {
	if s.IdleState() != IdleOn || s.idle == nil {
		return false, nil
	}
	if err := s.leaveIdle(ctx, s.idle); err != nil {
		return false, err
	}
	if s.IdleState() == IdleOff {
		// Server ended IDLE while we waited.
		return false, nil
	}
	s.state.Store(int32(IdlePaused))
	s.log.Debug().Msg("idle paused")
	s.idle.events.push(idleItem{state: IdlePaused, isState: true})
	return true, nil
}

// leaveIdle writes DONE and consumes lines up to the IDLE completion.
// Everything else that arrives meanwhile is still a push.
func (s *Session) leaveIdle(ctx context.Context, run *idleRun) error {
	if err := s.writeLine("DONE", false); err != nil {
		return err
	}
	for {
		r, err := s.next(ctx)
		if err != nil {
			return err
		}
		if r.raw != nil {
			continue
		}
		if !r.line.literal && strings.HasPrefix(r.line.text, run.tag+" ") {
			return nil
		}
		run.events.push(idleItem{line: r.line.text})
	}
}

// idleLine handles a line read while IDLE is on and no exchange runs.
func (s *Session) idleLine(l line) {
	run := s.idle
	if !l.literal && strings.HasPrefix(l.text, run.tag+" ") {
		s.state.Store(int32(IdleOff))
		s.log.Debug().Str("line", l.text).Msg("idle ended by server")
		run.events.push(idleItem{state: IdleOff, isState: true})
		return
	}
	run.events.push(idleItem{line: l.text})
}

func (s *Session) dispatch(ctx context.Context, run *idleRun) error {
	deliver := func() {
		for _, it := range run.events.drain() {
			switch {
			case it.isState && run.opts.OnState != nil:
				run.opts.OnState(it.state)
			case !it.isState && run.opts.OnPush != nil:
				run.opts.OnPush(it.line)
			}
		}
	}
	for {
		select {
		case <-run.events.notify:
			deliver()
		case <-ctx.Done():
			deliver()
			return nil
		case <-s.done:
			deliver()
			if run.opts.OnState != nil {
				run.opts.OnState(IdleOff)
			}
			return nil
		}
	}
}

func (s *Session) keepAlive(ctx context.Context, threshold func() time.Duration) error {
	tick := threshold() / 4
	if tick < minKeepAliveTick {
		tick = minKeepAliveTick
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-t.C:
		}
		limit := threshold()
		if limit <= 0 || time.Since(s.LastActivity()) < limit {
			continue
		}
		s.log.Debug().Dur("inactive", time.Since(s.LastActivity())).Msg("idle keep-alive")
		ok, err := s.SendAndReceive(context.WithoutCancel(ctx), "NOOP", nil, nil)
		if err != nil || !ok {
			s.log.Debug().Err(err).Msg("idle keep-alive stopped")
			return nil
		}
	}
}
