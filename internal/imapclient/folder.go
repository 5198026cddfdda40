package imapclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"

	"github.com/pepperpark/goimap/internal/response"
	"github.com/pepperpark/goimap/internal/wire"
)

// storeBatch caps the UID ranges sent in a single STORE.
const storeBatch = 100

// Folder is a mailbox on the server. Counters reflect the last SELECT,
// EXAMINE or STATUS.
type Folder struct {
	client *Client

	mu             sync.Mutex
	path           string
	name           string
	parent         *Folder
	attributes     []string
	flags          *FolderFlagCollection
	exists         uint32
	recent         uint32
	unseen         uint32
	firstUnseen    uint32
	uidNext        uint32
	uidValidity    string
	permanentFlags []string
	subFolders     *FolderCollection
	messages       *MessageCollection
	threads        map[uint64]*Thread
	handlers       []func(IdleEvent)
}

func newFolder(c *Client, path string, attrs []string) *Folder {
	f := &Folder{
		client:     c,
		path:       path,
		name:       decodeName(lastSegment(path, c.Delimiter())),
		attributes: attrs,
		threads:    make(map[uint64]*Thread),
	}
	f.flags = newFolderFlagCollection(f, attrs)
	return f
}

// Path is the encoded name the server knows the folder by.
func (f *Folder) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Name is the decoded last segment of the path.
func (f *Folder) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// DisplayPath is Path with every segment decoded.
func (f *Folder) DisplayPath() string {
	return decodeName(f.Path())
}

func (f *Folder) Parent() *Folder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

func (f *Folder) setParent(p *Folder) {
	f.mu.Lock()
	f.parent = p
	f.mu.Unlock()
}

// Selectable reports whether the folder can hold messages.
func (f *Folder) Selectable() bool {
	return !f.hasAttribute(`\Noselect`) && !f.hasAttribute(`\NonExistent`)
}

func (f *Folder) HasChildren() bool {
	return f.hasAttribute(`\HasChildren`)
}

func (f *Folder) hasAttribute(a string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.attributes {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func (f *Folder) refreshAttributes(attrs []string) {
	f.mu.Lock()
	f.attributes = attrs
	f.mu.Unlock()
	f.flags.set(attrs)
}

// Flags are the folder attributes, including special-use flags.
func (f *Folder) Flags() *FolderFlagCollection {
	return f.flags
}

func (f *Folder) Exists() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *Folder) Recent() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent
}

// Unseen is the unseen count reported by STATUS.
func (f *Folder) Unseen() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unseen
}

// FirstUnseen is the sequence number of the first unseen message reported
// by SELECT or EXAMINE.
func (f *Folder) FirstUnseen() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstUnseen
}

func (f *Folder) UIDNext() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uidNext
}

func (f *Folder) UIDValidity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uidValidity
}

func (f *Folder) PermanentFlags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.permanentFlags...)
}

// IsSelected reports whether the folder is the one selected on the server.
func (f *Folder) IsSelected() bool {
	return f.client.SelectedFolder() == f
}

// Select opens the folder read-write. It is a no-op for the folder that is
// already selected. Idling on another folder is stopped first.
func (f *Folder) Select(ctx context.Context) (bool, error) {
	if !f.Selectable() {
		return false, fmt.Errorf("%w: folder %q is not selectable", ErrInvalidState, f.Path())
	}
	if f.IsSelected() {
		return true, nil
	}
	if err := f.client.StopIdling(ctx); err != nil {
		return false, err
	}
	var data []string
	ok, err := f.client.SendAndReceive(ctx, "SELECT "+quote(f.Path()), &data, nil)
	if err != nil || !ok {
		return false, err
	}
	f.applySelectData(data)
	f.client.setSelected(f)
	return true, nil
}

// Examine opens the folder read-only to refresh its counters. The server
// deselects whatever was selected, so the client does too.
func (f *Folder) Examine(ctx context.Context) (bool, error) {
	if err := f.client.StopIdling(ctx); err != nil {
		return false, err
	}
	var data []string
	ok, err := f.client.SendAndReceive(ctx, "EXAMINE "+quote(f.Path()), &data, nil)
	if err != nil {
		return false, err
	}
	f.client.setSelected(nil)
	if !ok {
		return false, nil
	}
	f.applySelectData(data)
	return true, nil
}

func (f *Folder) applySelectData(data []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range data {
		ev := response.Parse(l)
		switch ev.Kind {
		case response.Numeric:
			switch ev.Name {
			case "EXISTS":
				f.exists = ev.Number
			case "RECENT":
				f.recent = ev.Number
			case "UNSEEN":
				f.firstUnseen = ev.Number
			}
		case response.Status:
			switch ev.Code {
			case "UNSEEN":
				if n, ok := ev.CodeNumber(); ok {
					f.firstUnseen = n
				}
			case "UIDNEXT":
				if n, ok := ev.CodeNumber(); ok {
					f.uidNext = n
				}
			case "UIDVALIDITY":
				f.uidValidity = strings.TrimSpace(ev.CodeArgs)
			case "PERMANENTFLAGS":
				f.permanentFlags = ev.CodeList()
			}
		}
	}
}

// Status refreshes counters without selecting. With no items it asks for
// MESSAGES, RECENT, UIDNEXT, UIDVALIDITY and UNSEEN.
func (f *Folder) Status(ctx context.Context, items ...string) (bool, error) {
	if len(items) == 0 {
		items = []string{"MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN"}
	}
	var data []string
	ok, err := f.client.SendAndReceive(ctx, "STATUS "+quote(f.Path())+" ("+strings.Join(items, " ")+")", &data, nil)
	if err != nil || !ok {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range data {
		ev := response.Parse(l)
		if ev.Kind != response.StatusData {
			continue
		}
		for k, v := range ev.Items {
			if k == "UIDVALIDITY" {
				f.uidValidity = v
				continue
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				continue
			}
			switch k {
			case "MESSAGES":
				f.exists = uint32(n)
			case "RECENT":
				f.recent = uint32(n)
			case "UIDNEXT":
				f.uidNext = uint32(n)
			case "UNSEEN":
				f.unseen = uint32(n)
			}
		}
	}
	return true, nil
}

// Rename gives the folder a new last segment, keeping it under the same
// parent. Known subfolders follow the new path.
func (f *Folder) Rename(ctx context.Context, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, errors.New("rename: empty folder name")
	}
	encoded, err := encodeName(name)
	if err != nil {
		return false, fmt.Errorf("encode folder name: %w", err)
	}
	oldPath := f.Path()
	newPath := encoded
	if pp := parentPath(oldPath, f.client.Delimiter()); pp != "" {
		newPath = pp + f.client.Delimiter() + encoded
	}
	ok, err := f.client.SendAndReceive(ctx, "RENAME "+quote(oldPath)+" "+quote(newPath), nil, nil)
	if err != nil || !ok {
		return false, err
	}
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
	f.movePath(oldPath, newPath)
	return true, nil
}

// movePath rewrites the path prefix of f and every loaded subfolder.
func (f *Folder) movePath(oldPrefix, newPrefix string) {
	f.mu.Lock()
	old := f.path
	f.path = newPrefix + strings.TrimPrefix(f.path, oldPrefix)
	subs := f.subFolders
	f.mu.Unlock()
	f.client.rebind(f, old)
	if subs == nil {
		return
	}
	for _, sub := range subs.All() {
		sub.movePath(oldPrefix, newPrefix)
	}
}

// Remove deletes the folder on the server and detaches it locally.
func (f *Folder) Remove(ctx context.Context) (bool, error) {
	if !f.Selectable() {
		return false, fmt.Errorf("%w: folder %q is not selectable", ErrInvalidState, f.Path())
	}
	if f.IsSelected() {
		if err := f.client.StopIdling(ctx); err != nil {
			return false, err
		}
	}
	ok, err := f.client.SendAndReceive(ctx, "DELETE "+quote(f.Path()), nil, nil)
	if err != nil || !ok {
		return false, err
	}
	if p := f.Parent(); p != nil {
		p.subFolderSlot().removeLocal(f)
	} else {
		f.client.rootCollection().removeLocal(f)
	}
	f.unbindTree()
	return true, nil
}

// unbindTree drops f and every loaded subfolder from the registry.
func (f *Folder) unbindTree() {
	f.mu.Lock()
	subs := f.subFolders
	f.mu.Unlock()
	if subs != nil {
		for _, sub := range subs.All() {
			sub.unbindTree()
		}
	}
	f.client.unbind(f)
}

// Expunge removes messages flagged \Deleted. The previously selected
// folder is selected again afterwards.
func (f *Folder) Expunge(ctx context.Context) (bool, error) {
	prev := f.client.SelectedFolder()
	if prev != f {
		if ok, err := f.Select(ctx); err != nil || !ok {
			return false, err
		}
	}
	ok, err := f.client.SendAndReceive(ctx, "EXPUNGE", nil, nil)
	if err != nil {
		return false, err
	}
	if prev != nil && prev != f {
		if _, err := prev.Select(ctx); err != nil {
			return ok, err
		}
	}
	return ok, nil
}

func (f *Folder) ensureSelected(ctx context.Context) error {
	ok, err := f.Select(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: select %q", ErrOperationFailed, f.Path())
	}
	return nil
}

// SearchUIDs runs UID SEARCH. A negative count returns every match;
// otherwise the count highest UIDs are returned.
func (f *Folder) SearchUIDs(ctx context.Context, query string, count int) ([]uint32, error) {
	if err := f.ensureSelected(ctx); err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(query), "ALL") && f.client.Behavior().SearchAllNotSupported {
		query = "SINCE 1-Jan-1970"
	}
	var data []string
	ok, err := f.client.SendAndReceive(ctx, "UID SEARCH "+query, &data, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: search %q", ErrOperationFailed, query)
	}
	var uids []uint32
	for _, l := range data {
		if ev := response.Parse(l); ev.Kind == response.Search {
			uids = append(uids, ev.IDs...)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if count >= 0 && len(uids) > count {
		uids = uids[len(uids)-count:]
	}
	return uids, nil
}

// Search runs a query and downloads the matching messages.
func (f *Folder) Search(ctx context.Context, query string, mode FetchMode, count int) ([]*Message, error) {
	uids, err := f.SearchUIDs(ctx, query, count)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, uids, mode)
}

// Fetch downloads the given messages, reusing ones already known.
func (f *Folder) Fetch(ctx context.Context, uids []uint32, mode FetchMode) ([]*Message, error) {
	if err := f.ensureSelected(ctx); err != nil {
		return nil, err
	}
	coll := f.messageSlot()
	out := make([]*Message, 0, len(uids))
	for _, uid := range uids {
		m := coll.Get(uid)
		if m == nil {
			m = newMessage(f, uid)
		}
		if _, err := m.Download(ctx, mode, false); err != nil {
			return out, fmt.Errorf("fetch uid %d: %w", uid, err)
		}
		coll.add(m)
		out = append(out, m)
	}
	return out, nil
}

// AppendMessage uploads a raw RFC 822 message. A zero date lets the server
// pick the internal date.
func (f *Folder) AppendMessage(ctx context.Context, eml []byte, flags []string, date time.Time) (bool, error) {
	var b strings.Builder
	b.WriteString("APPEND ")
	b.WriteString(quote(f.Path()))
	if len(flags) > 0 {
		b.WriteString(" (" + strings.Join(flags, " ") + ")")
	}
	if !date.IsZero() {
		b.WriteString(" " + quote(date.Format(imap.DateTimeLayout)))
	}
	fmt.Fprintf(&b, " {%d}", len(eml))
	return f.client.SendAndReceive(ctx, b.String(), nil, &uploader{eml: eml})
}

// uploader sends the message body on the server's continuation.
type uploader struct {
	eml  []byte
	sent bool
}

func (u *uploader) ProcessCommandResult(string) {}

func (u *uploader) AppendCommandData(string) ([]byte, error) {
	if u.sent {
		return nil, errors.New("append: unexpected second continuation")
	}
	u.sent = true
	return append(append([]byte(nil), u.eml...), '\r', '\n'), nil
}

// EmptyFolder flags every message \Deleted and expunges them.
func (f *Folder) EmptyFolder(ctx context.Context) (bool, error) {
	uids, err := f.SearchUIDs(ctx, "ALL", -1)
	if err != nil {
		return false, err
	}
	if len(uids) > 0 {
		var set imap.SeqSet
		set.AddNum(uids...)
		for i := 0; i < len(set.Set); i += storeBatch {
			end := i + storeBatch
			if end > len(set.Set) {
				end = len(set.Set)
			}
			chunk := imap.SeqSet{Set: set.Set[i:end]}
			ok, err := f.client.SendAndReceive(ctx, "UID STORE "+chunk.String()+` +FLAGS.SILENT (\Deleted)`, nil, nil)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, fmt.Errorf("%w: flag messages deleted in %q", ErrOperationFailed, f.Path())
			}
		}
		if ok, err := f.Expunge(ctx); err != nil || !ok {
			return false, err
		}
	}
	f.messageSlot().clear()
	f.mu.Lock()
	f.threads = make(map[uint64]*Thread)
	f.mu.Unlock()
	return f.Status(ctx, "MESSAGES", "RECENT", "UIDNEXT", "UNSEEN")
}

// SubFolders returns the children, listing them on first use.
func (f *Folder) SubFolders(ctx context.Context) (*FolderCollection, error) {
	f.mu.Lock()
	subs := f.subFolders
	f.mu.Unlock()
	if subs != nil {
		return subs, nil
	}
	if !f.HasChildren() {
		return f.subFolderSlot(), nil
	}
	subs, err := f.client.GetFolders(ctx, f.Path()+f.client.Delimiter(), f, false)
	if err != nil {
		return nil, err
	}
	f.setSubFolders(subs)
	return subs, nil
}

func (f *Folder) setSubFolders(c *FolderCollection) {
	f.mu.Lock()
	f.subFolders = c
	f.mu.Unlock()
}

// subFolderSlot returns the subfolder collection, creating an empty one
// without listing.
func (f *Folder) subFolderSlot() *FolderCollection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subFolders == nil {
		f.subFolders = newFolderCollection(f.client, f)
	}
	return f.subFolders
}

// Messages returns the known messages. With AutoPopulateFolderMessages
// the first call downloads all of them.
func (f *Folder) Messages(ctx context.Context) (*MessageCollection, error) {
	f.mu.Lock()
	coll := f.messages
	f.mu.Unlock()
	if coll != nil {
		return coll, nil
	}
	coll = f.messageSlot()
	if f.client.Behavior().AutoPopulateFolderMessages && f.Selectable() {
		if _, err := f.Search(ctx, "ALL", FetchClientDefault, -1); err != nil {
			return nil, err
		}
	}
	return coll, nil
}

func (f *Folder) messageSlot() *MessageCollection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = newMessageCollection(f)
	}
	return f.messages
}

// Threads returns the GMail threads seen so far.
func (f *Folder) Threads() []*Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Thread, 0, len(f.threads))
	for _, t := range f.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Folder) thread(id uint64) *Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		t = &Thread{ID: id, folder: f}
		f.threads[id] = t
	}
	return t
}

// OnNewMessages registers a handler for messages that arrive while idling
// on this folder.
func (f *Folder) OnNewMessages(fn func(IdleEvent)) {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
}

func (f *Folder) newMessageHandlers() []func(IdleEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(([]func(IdleEvent))(nil), f.handlers...)
}

// StartIdling selects the folder and enters IDLE on it.
func (f *Folder) StartIdling(ctx context.Context) (bool, error) {
	if !f.client.Capabilities().Idle {
		return false, fmt.Errorf("%w: IDLE", ErrNotSupported)
	}
	if ok, err := f.Select(ctx); err != nil || !ok {
		return false, err
	}
	return f.client.startIdle(ctx, f)
}

// StopIdling leaves IDLE if it is running on this folder.
func (f *Folder) StopIdling(ctx context.Context) error {
	if !f.IsSelected() {
		return nil
	}
	return f.client.StopIdling(ctx)
}

// IdleState reports the session IDLE state for this folder.
func (f *Folder) IdleState() wire.IdleState {
	if !f.IsSelected() {
		return wire.IdleOff
	}
	return f.client.IdleState()
}

func (f *Folder) String() string {
	return f.Path()
}
