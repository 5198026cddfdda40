package imapclient

import (
	"context"
	"sort"
	"sync"
)

// MessageCollection holds the messages of a folder that have been
// downloaded, keyed by UID.
type MessageCollection struct {
	folder *Folder

	mu    sync.Mutex
	byUID map[uint32]*Message
}

func newMessageCollection(f *Folder) *MessageCollection {
	return &MessageCollection{folder: f, byUID: make(map[uint32]*Message)}
}

// All returns the messages in UID order.
func (mc *MessageCollection) All() []*Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]*Message, 0, len(mc.byUID))
	for _, m := range mc.byUID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uid < out[j].uid })
	return out
}

func (mc *MessageCollection) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.byUID)
}

// Get returns the message with uid, or nil.
func (mc *MessageCollection) Get(uid uint32) *Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.byUID[uid]
}

// Download searches the folder and adds the matches.
func (mc *MessageCollection) Download(ctx context.Context, query string, mode FetchMode, count int) ([]*Message, error) {
	return mc.folder.Search(ctx, query, mode, count)
}

// DownloadUIDs fetches the given messages.
func (mc *MessageCollection) DownloadUIDs(ctx context.Context, uids []uint32, mode FetchMode) ([]*Message, error) {
	return mc.folder.Fetch(ctx, uids, mode)
}

func (mc *MessageCollection) add(m *Message) {
	mc.mu.Lock()
	mc.byUID[m.uid] = m
	mc.mu.Unlock()
}

func (mc *MessageCollection) remove(m *Message) {
	mc.mu.Lock()
	if mc.byUID[m.uid] == m {
		delete(mc.byUID, m.uid)
	}
	mc.mu.Unlock()
}

func (mc *MessageCollection) clear() {
	mc.mu.Lock()
	mc.byUID = make(map[uint32]*Message)
	mc.mu.Unlock()
}
