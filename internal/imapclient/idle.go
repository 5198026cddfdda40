package imapclient

import (
	"context"
	"fmt"
	"time"

	"github.com/pepperpark/goimap/internal/response"
	"github.com/pepperpark/goimap/internal/wire"
)

const disconnectGrace = 5 * time.Second

// IdleEventType says what happened to an idle session.
type IdleEventType int

const (
	IdleStarted IdleEventType = iota
	IdlePaused
	IdleResumed
	IdleStopped
	IdleNewMessages
)

func (t IdleEventType) String() string {
	switch t {
	case IdleStarted:
		return "started"
	case IdlePaused:
		return "paused"
	case IdleResumed:
		return "resumed"
	case IdleStopped:
		return "stopped"
	case IdleNewMessages:
		return "new-messages"
	}
	return "unknown"
}

// IdleEvent is delivered on the idle event goroutine.
type IdleEvent struct {
	Type     IdleEventType
	Folder   *Folder
	Messages []*Message
	// Err is set when new messages were announced but could not be fetched.
	Err error
}

// OnIdle registers a handler for every idle event of the client.
func (c *Client) OnIdle(fn func(IdleEvent)) {
	c.mu.Lock()
	c.idleHandlers = append(c.idleHandlers, fn)
	c.mu.Unlock()
}

func (c *Client) emit(ev IdleEvent) {
	c.mu.Lock()
	handlers := append(([]func(IdleEvent))(nil), c.idleHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
	if ev.Type == IdleNewMessages && ev.Folder != nil {
		for _, h := range ev.Folder.newMessageHandlers() {
			h(ev)
		}
	}
}

// IdleState reports the session IDLE state.
func (c *Client) IdleState() wire.IdleState {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return wire.IdleOff
	}
	return s.IdleState()
}

// StopIdling leaves IDLE if it is running.
func (c *Client) StopIdling(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || s.IdleState() == wire.IdleOff {
		return nil
	}
	return s.StopIdling(ctx)
}

// startIdle enters IDLE on the selected folder f. New messages are found
// by comparing UIDNEXT against a watermark taken when idling starts.
func (c *Client) startIdle(ctx context.Context, f *Folder) (bool, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return false, ErrNotConnected
	}

	w := &watcher{client: c, folder: f, watermark: f.UIDNext()}
	ok, err := s.StartIdling(ctx, wire.IdleOptions{
		KeepAlive: func() time.Duration { return c.Behavior().NoopIssueTimeout },
		OnPush:    w.push,
		OnState:   w.state,
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// watcher runs on the idle event goroutine only.
type watcher struct {
	client    *Client
	folder    *Folder
	watermark uint32
	paused    bool
}

func (w *watcher) state(st wire.IdleState) {
	switch st {
	case wire.IdleOn:
		if w.paused {
			w.paused = false
			w.client.emit(IdleEvent{Type: IdleResumed, Folder: w.folder})
			return
		}
		w.client.emit(IdleEvent{Type: IdleStarted, Folder: w.folder})
	case wire.IdlePaused:
		w.paused = true
		w.client.emit(IdleEvent{Type: IdlePaused, Folder: w.folder})
	case wire.IdleOff:
		w.client.emit(IdleEvent{Type: IdleStopped, Folder: w.folder})
	}
}

func (w *watcher) push(line string) {
	ev := response.Parse(line)
	if ev.Kind != response.Numeric || ev.Name != "EXISTS" {
		return
	}
	log := w.client.log
	ctx := context.Background()

	if _, err := w.folder.Status(ctx, "UIDNEXT"); err != nil {
		log.Warn().Err(err).Str("folder", w.folder.Path()).Msg("idle: refresh uidnext")
		w.client.emit(IdleEvent{Type: IdleNewMessages, Folder: w.folder, Err: err})
		return
	}
	next := w.folder.UIDNext()
	if next == w.watermark {
		return
	}
	msgs, err := w.folder.Search(ctx, fmt.Sprintf("UID %d:%d", w.watermark, next), FetchClientDefault, -1)
	if err != nil {
		log.Warn().Err(err).Str("folder", w.folder.Path()).Msg("idle: fetch new messages")
	}
	w.watermark = next
	log.Debug().Str("folder", w.folder.Path()).Int("count", len(msgs)).Msg("idle: new messages")
	w.client.emit(IdleEvent{Type: IdleNewMessages, Folder: w.folder, Messages: msgs, Err: err})
}
