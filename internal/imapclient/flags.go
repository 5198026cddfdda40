package imapclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// System flags.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// flagSet is the local mirror shared by all flag-like collections.
// Comparison ignores case.
type flagSet struct {
	mu    sync.Mutex
	items []string
}

func (s *flagSet) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

func (s *flagSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *flagSet) Contains(flag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return indexFold(s.items, flag) >= 0
}

func (s *flagSet) set(items []string) {
	s.mu.Lock()
	s.items = distinct(items)
	s.mu.Unlock()
}

func (s *flagSet) addLocal(items []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range items {
		if indexFold(s.items, v) < 0 {
			s.items = append(s.items, v)
		}
	}
}

func (s *flagSet) removeLocal(items []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range items {
		if i := indexFold(s.items, v); i >= 0 {
			s.items = append(s.items[:i], s.items[i+1:]...)
		}
	}
}

func indexFold(list []string, v string) int {
	for i, x := range list {
		if strings.EqualFold(x, v) {
			return i
		}
	}
	return -1
}

func distinct(items []string) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		if v != "" && indexFold(out, v) < 0 {
			out = append(out, v)
		}
	}
	return out
}

// MessageFlagCollection mirrors a message's flags. Changes go to the
// server first and are applied locally only when it accepts them.
type MessageFlagCollection struct {
	flagSet
	msg  *Message
	item string
	// encode prepares a value for the STORE list.
	encode func(string) (string, error)
}

func newMessageFlagCollection(m *Message) *MessageFlagCollection {
	return &MessageFlagCollection{
		msg:    m,
		item:   "FLAGS",
		encode: func(s string) (string, error) { return s, nil },
	}
}

// Add sets a single flag.
func (c *MessageFlagCollection) Add(ctx context.Context, flag string) (bool, error) {
	if strings.TrimSpace(flag) == "" {
		return false, errors.New("flags: empty value")
	}
	return c.AddRange(ctx, []string{flag})
}

// AddRange sets several flags in one command. \Recent is never sent.
func (c *MessageFlagCollection) AddRange(ctx context.Context, flags []string) (bool, error) {
	var values []string
	for _, f := range distinct(flags) {
		if !strings.EqualFold(f, FlagRecent) {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return true, nil
	}
	ok, err := c.store(ctx, "+", values)
	if err != nil || !ok {
		return false, err
	}
	c.addLocal(values)
	return true, nil
}

// Remove clears a single flag.
func (c *MessageFlagCollection) Remove(ctx context.Context, flag string) (bool, error) {
	if strings.TrimSpace(flag) == "" {
		return false, errors.New("flags: empty value")
	}
	return c.RemoveRange(ctx, []string{flag})
}

// RemoveRange clears several flags in one command.
func (c *MessageFlagCollection) RemoveRange(ctx context.Context, flags []string) (bool, error) {
	values := distinct(flags)
	if len(values) == 0 {
		return true, nil
	}
	ok, err := c.store(ctx, "-", values)
	if err != nil || !ok {
		return false, err
	}
	c.removeLocal(values)
	return true, nil
}

func (c *MessageFlagCollection) store(ctx context.Context, op string, values []string) (bool, error) {
	encoded := make([]string, len(values))
	for i, v := range values {
		e, err := c.encode(v)
		if err != nil {
			return false, err
		}
		encoded[i] = e
	}
	if err := c.msg.folder.ensureSelected(ctx); err != nil {
		return false, err
	}
	cmd := "UID STORE " + strconv.FormatUint(uint64(c.msg.uid), 10) + " " + op + c.item + " (" + strings.Join(encoded, " ") + ")"
	return c.msg.client().SendAndReceive(ctx, cmd, nil, nil)
}

// LabelCollection mirrors a message's GMail labels. Every change fails
// with ErrNotSupported when the server lacks X-GM-EXT-1.
type LabelCollection struct {
	MessageFlagCollection
}

func newLabelCollection(m *Message) *LabelCollection {
	return &LabelCollection{MessageFlagCollection{
		msg:  m,
		item: "X-GM-LABELS",
		encode: func(s string) (string, error) {
			e, err := encodeName(s)
			if err != nil {
				return "", fmt.Errorf("encode label %q: %w", s, err)
			}
			return quote(e), nil
		},
	}}
}

func (l *LabelCollection) supported() error {
	if !l.msg.client().Capabilities().XGMExt1 {
		return fmt.Errorf("%w: X-GM-EXT-1", ErrNotSupported)
	}
	return nil
}

func (l *LabelCollection) Add(ctx context.Context, label string) (bool, error) {
	if err := l.supported(); err != nil {
		return false, err
	}
	return l.MessageFlagCollection.Add(ctx, label)
}

func (l *LabelCollection) AddRange(ctx context.Context, labels []string) (bool, error) {
	if err := l.supported(); err != nil {
		return false, err
	}
	return l.MessageFlagCollection.AddRange(ctx, labels)
}

func (l *LabelCollection) Remove(ctx context.Context, label string) (bool, error) {
	if err := l.supported(); err != nil {
		return false, err
	}
	return l.MessageFlagCollection.Remove(ctx, label)
}

func (l *LabelCollection) RemoveRange(ctx context.Context, labels []string) (bool, error) {
	if err := l.supported(); err != nil {
		return false, err
	}
	return l.MessageFlagCollection.RemoveRange(ctx, labels)
}

// FolderFlagCollection mirrors a folder's attributes. Changes write the
// special-use annotation with SETMETADATA.
type FolderFlagCollection struct {
	flagSet
	folder *Folder
}

func newFolderFlagCollection(f *Folder, attrs []string) *FolderFlagCollection {
	c := &FolderFlagCollection{folder: f}
	c.set(attrs)
	return c
}

func (c *FolderFlagCollection) Add(ctx context.Context, flag string) (bool, error) {
	if strings.TrimSpace(flag) == "" {
		return false, errors.New("flags: empty value")
	}
	return c.AddRange(ctx, []string{flag})
}

func (c *FolderFlagCollection) AddRange(ctx context.Context, flags []string) (bool, error) {
	values := distinct(flags)
	if len(values) == 0 {
		return true, nil
	}
	merged := c.All()
	for _, v := range values {
		if indexFold(merged, v) < 0 {
			merged = append(merged, v)
		}
	}
	ok, err := c.setMetadata(ctx, merged)
	if err != nil || !ok {
		return false, err
	}
	c.addLocal(values)
	return true, nil
}

func (c *FolderFlagCollection) Remove(ctx context.Context, flag string) (bool, error) {
	if strings.TrimSpace(flag) == "" {
		return false, errors.New("flags: empty value")
	}
	return c.RemoveRange(ctx, []string{flag})
}

func (c *FolderFlagCollection) RemoveRange(ctx context.Context, flags []string) (bool, error) {
	values := distinct(flags)
	if len(values) == 0 {
		return true, nil
	}
	var rest []string
	for _, v := range c.All() {
		if indexFold(values, v) < 0 {
			rest = append(rest, v)
		}
	}
	ok, err := c.setMetadata(ctx, rest)
	if err != nil || !ok {
		return false, err
	}
	c.removeLocal(values)
	return true, nil
}

// setMetadata writes the special-use flags among values. An empty set
// removes the annotation.
func (c *FolderFlagCollection) setMetadata(ctx context.Context, values []string) (bool, error) {
	client := c.folder.client
	if !client.Capabilities().Metadata {
		return false, fmt.Errorf("%w: METADATA", ErrNotSupported)
	}
	var special []string
	for _, v := range values {
		if isSpecialUse(v) {
			special = append(special, v)
		}
	}
	value := "NIL"
	if len(special) > 0 {
		value = quote(strings.Join(special, " "))
	}
	cmd := "SETMETADATA " + quote(c.folder.Path()) + " (" + client.Behavior().SpecialUseMetadataPath + " " + value + ")"
	return client.SendAndReceive(ctx, cmd, nil, nil)
}

var specialUse = []string{`\All`, `\Archive`, `\Drafts`, `\Flagged`, `\Junk`, `\Sent`, `\Trash`, `\Important`}

func isSpecialUse(flag string) bool {
	return indexFold(specialUse, flag) >= 0
}
