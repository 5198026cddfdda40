package imapclient

import (
	"context"
	"strconv"
	"sync"
)

// Thread groups the messages of a folder that share a GMail thread id.
type Thread struct {
	ID     uint64
	folder *Folder

	mu       sync.Mutex
	messages []*Message
}

// Messages returns the thread members known locally.
func (t *Thread) Messages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Message(nil), t.messages...)
}

// FetchAssociatedMessages searches the folder for every message in the
// thread and downloads them.
func (t *Thread) FetchAssociatedMessages(ctx context.Context, mode FetchMode, count int) ([]*Message, error) {
	return t.folder.Search(ctx, "X-GM-THRID "+strconv.FormatUint(t.ID, 10), mode, count)
}

func (t *Thread) add(m *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.messages {
		if v == m {
			return
		}
	}
	t.messages = append(t.messages, m)
}

func (t *Thread) remove(m *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range t.messages {
		if v == m {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return
		}
	}
}
