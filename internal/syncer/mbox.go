package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
	"github.com/rs/zerolog"

	"github.com/pepperpark/goimap/internal/imapclient"
)

// CountMbox counts the messages in an mbox stream.
func CountMbox(r io.Reader) (int, error) {
	mr := mbox.NewReader(r)
	n := 0
	for {
		msg, err := mr.NextMessage()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read mbox: %w", err)
		}
		if _, err := io.Copy(io.Discard, msg); err != nil {
			return n, fmt.Errorf("read message: %w", err)
		}
		n++
	}
}

type AppendOptions struct {
	// Skip is the number of leading messages already uploaded.
	Skip   int
	Flags  []string
	DryRun bool
	// Progress is called after every message with the number handled so
	// far, skipped ones included.
	Progress func(done int)
	Logger   zerolog.Logger
}

// AppendMbox uploads the messages of an mbox stream into f. It returns how
// many messages were handled, so a failed run can be resumed with Skip.
func AppendMbox(ctx context.Context, r io.Reader, f *imapclient.Folder, opts AppendOptions) (int, error) {
	log := opts.Logger.With().Str("folder", f.DisplayPath()).Logger()
	mr := mbox.NewReader(r)
	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		msg, err := mr.NextMessage()
		if err == io.EOF {
			return done, nil
		}
		if err != nil {
			return done, fmt.Errorf("read mbox: %w", err)
		}
		raw, err := io.ReadAll(msg)
		if err != nil {
			return done, fmt.Errorf("read message: %w", err)
		}
		if done < opts.Skip {
			done++
			continue
		}
		if err := appendOne(ctx, f, raw, opts, log); err != nil {
			return done, fmt.Errorf("message %d: %w", done+1, err)
		}
		done++
		if opts.Progress != nil {
			opts.Progress(done)
		}
	}
}

func appendOne(ctx context.Context, f *imapclient.Folder, raw []byte, opts AppendOptions, log zerolog.Logger) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		log.Warn().Msg("empty message skipped")
		return nil
	}
	_, date := envelope(raw)
	if opts.DryRun {
		log.Info().Time("date", date).Int("size", len(raw)).Msg("dry-run: append")
		return nil
	}
	ok, err := f.AppendMessage(ctx, toCRLF(raw), opts.Flags, date)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: append", imapclient.ErrOperationFailed)
	}
	return nil
}

// toCRLF turns bare LF line endings into CRLF.
func toCRLF(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/32)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
