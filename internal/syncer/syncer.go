// Package syncer exports folders into mbox files and imports mbox files
// into folders.
package syncer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/textproto"
	"github.com/rs/zerolog"

	"github.com/pepperpark/goimap/internal/header"
	"github.com/pepperpark/goimap/internal/imapclient"
	"github.com/pepperpark/goimap/internal/imaputil"
	"github.com/pepperpark/goimap/internal/state"
)

type Options struct {
	DryRun      bool
	Since       time.Time
	Concurrency int
	Map         map[string]string // optional folder to file mapping, relative to the output directory
	IgnoreState bool              // if true, do not use resume state (start from UID 0)
	Logger      zerolog.Logger
}

// Dialer opens a logged-in session. Each concurrent export uses its own,
// since a session has a single selected folder.
type Dialer func(ctx context.Context) (*imapclient.Client, error)

type Exporter struct {
	dial   Dialer
	outDir string
	st     *state.State
	opts   Options
	log    zerolog.Logger
	events chan Event
	pool   chan *imapclient.Client
}

func NewExporter(dial Dialer, outDir string, st *state.State, opts Options) *Exporter {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if st == nil {
		st = state.New()
	}
	return &Exporter{
		dial:   dial,
		outDir: outDir,
		st:     st,
		opts:   opts,
		log:    opts.Logger,
		events: make(chan Event, 128),
		pool:   make(chan *imapclient.Client, opts.Concurrency),
	}
}

// ExportAll exports the folders given by display path and closes the
// event channel when done.
func (e *Exporter) ExportAll(ctx context.Context, folders []string) []error {
	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := []error{}

	for _, name := range folders {
		name := name
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.exportFolder(ctx, name)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			e.emit(Event{Type: EventFolderDone, Folder: name, Err: err})
			<-sem
		}()
	}
	wg.Wait()
	e.drain()
	close(e.events)
	return errs
}

// Events returns a read-only channel of progress events.
func (e *Exporter) Events() <-chan Event { return e.events }

func (e *Exporter) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// drop if slow consumer
	}
}

func (e *Exporter) session(ctx context.Context) (*imapclient.Client, error) {
	for {
		select {
		case c := <-e.pool:
			if c.IsConnected() {
				return c, nil
			}
		default:
			return e.dial(ctx)
		}
	}
}

func (e *Exporter) release(c *imapclient.Client) {
	if !c.IsConnected() {
		return
	}
	select {
	case e.pool <- c:
	default:
		e.logout(c)
	}
}

func (e *Exporter) drain() {
	for {
		select {
		case c := <-e.pool:
			e.logout(c)
		default:
			return
		}
	}
}

func (e *Exporter) logout(c *imapclient.Client) {
	defer c.Disconnect()
	if !c.IsAuthenticated() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.Logout(ctx); err != nil {
		e.log.Debug().Err(err).Msg("logout")
	}
}

func (e *Exporter) exportFolder(ctx context.Context, name string) (err error) {
	log := e.log.With().Str("folder", name).Logger()
	log.Debug().Msg("start")
	e.emit(Event{Type: EventFolderStart, Folder: name})

	c, err := e.session(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer e.release(c)

	f, err := imaputil.FindFolder(ctx, c, name)
	if err != nil {
		return err
	}
	ok, err := f.Select(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: select", imapclient.ErrOperationFailed)
	}
	validity := f.UIDValidity()

	var minUID uint32
	if !e.opts.IgnoreState {
		minUID = e.st.GetMaxUID(name, validity)
	}
	uids, err := imaputil.SearchUIDsSince(ctx, f, e.opts.Since, minUID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		log.Debug().Msg("no new messages")
		return nil
	}
	log.Info().Int("count", len(uids)).Uint32("after_uid", minUID).Msg("exporting")
	e.emit(Event{Type: EventFolderProgress, Folder: name, Total: len(uids)})

	var w *mbox.Writer
	if !e.opts.DryRun {
		file, oerr := e.open(name, c.Delimiter(), minUID == 0)
		if oerr != nil {
			return oerr
		}
		w = mbox.NewWriter(file)
		defer func() {
			werr := w.Close()
			if cerr := file.Close(); werr == nil {
				werr = cerr
			}
			if err == nil && werr != nil {
				err = fmt.Errorf("write mbox: %w", werr)
			}
		}()
	}

	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.opts.DryRun {
			log.Info().Uint32("uid", uid).Msg("dry-run: export")
		} else if err := e.exportMessage(ctx, f, w, uid); err != nil {
			return fmt.Errorf("uid %d: %w", uid, err)
		} else {
			e.st.SetMaxUID(name, validity, uid)
		}
		e.emit(Event{Type: EventFolderProgress, Folder: name, Total: len(uids), Done: i + 1})
	}
	return nil
}

func (e *Exporter) exportMessage(ctx context.Context, f *imapclient.Folder, w *mbox.Writer, uid uint32) error {
	msgs, err := f.Fetch(ctx, []uint32{uid}, imapclient.FetchInternalDate)
	if err != nil {
		return err
	}
	m := msgs[0]
	raw, err := m.DownloadRaw(ctx)
	if err != nil {
		return err
	}
	if raw == nil {
		e.log.Warn().Str("folder", f.DisplayPath()).Uint32("uid", uid).Msg("no body, skipped")
		return nil
	}
	from, date := envelope(raw)
	if !m.InternalDate.IsZero() {
		date = m.InternalDate
	}
	mw, err := w.CreateMessage(from, date)
	if err != nil {
		return err
	}
	_, err = mw.Write(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n")))
	return err
}

// open creates the mbox file for a folder. fresh truncates it; otherwise
// new messages are appended to an earlier export.
func (e *Exporter) open(name, delim string, fresh bool) (*os.File, error) {
	path := filepath.Join(e.outDir, e.fileName(name, delim))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if fresh {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	return os.OpenFile(path, flags, 0o600)
}

var unsafeName = strings.NewReplacer("/", "_", `\`, "_", ":", "_")

// fileName maps a folder to a relative file path: mapped names are used
// as given, others become one directory level per folder level.
func (e *Exporter) fileName(name, delim string) string {
	if to, ok := e.opts.Map[name]; ok && to != "" {
		return to
	}
	segments := []string{name}
	if delim != "" {
		segments = strings.Split(name, delim)
	}
	for i, s := range segments {
		s = unsafeName.Replace(s)
		if s == "" || s == "." || s == ".." {
			s = "_" + s
		}
		segments[i] = s
	}
	return filepath.Join(segments...) + ".mbox"
}

// envelope reads the mbox sender and the Date header of a raw message.
func envelope(raw []byte) (string, time.Time) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	from := "MAILER-DAEMON"
	if err != nil {
		return from, time.Time{}
	}
	for _, k := range []string{"Return-Path", "Sender", "From"} {
		if a, err := header.Address(h.Get(k)); err == nil && a != nil && a.Address != "" {
			from = a.Address
			break
		}
	}
	date, _ := header.Date(h.Get("Date"))
	return from, date
}
