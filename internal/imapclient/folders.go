package imapclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// FolderCollection holds the children of one folder, or the top level.
type FolderCollection struct {
	client *Client
	parent *Folder

	mu    sync.Mutex
	items []*Folder
}

func newFolderCollection(c *Client, parent *Folder) *FolderCollection {
	return &FolderCollection{client: c, parent: parent}
}

// All returns a snapshot of the folders.
func (fc *FolderCollection) All() []*Folder {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]*Folder(nil), fc.items...)
}

func (fc *FolderCollection) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.items)
}

// Get finds a folder by its decoded name, ignoring case.
func (fc *FolderCollection) Get(name string) *Folder {
	for _, f := range fc.All() {
		if strings.EqualFold(f.Name(), name) {
			return f
		}
	}
	return nil
}

// Add creates a folder named name under the collection's parent.
func (fc *FolderCollection) Add(ctx context.Context, name string) (*Folder, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("create: empty folder name")
	}
	encoded, err := encodeName(name)
	if err != nil {
		return nil, fmt.Errorf("encode folder name: %w", err)
	}
	path := encoded
	if fc.parent != nil {
		delim := fc.client.Delimiter()
		if delim == "" {
			return nil, fmt.Errorf("%w: hierarchy delimiter unknown", ErrInvalidState)
		}
		path = fc.parent.Path() + delim + encoded
	}
	ok, err := fc.client.SendAndReceive(ctx, "CREATE "+quote(path), nil, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: create %q", ErrOperationFailed, path)
	}

	f := fc.client.bind(newFolder(fc.client, path, nil))
	f.setParent(fc.parent)
	fc.addLocal(f)
	if fc.parent != nil {
		fc.parent.markHasChildren()
	}
	if fc.client.Behavior().ExamineFolders {
		if _, err := f.Examine(ctx); err != nil {
			return f, err
		}
	}
	return f, nil
}

// Remove deletes f on the server.
func (fc *FolderCollection) Remove(ctx context.Context, f *Folder) (bool, error) {
	return f.Remove(ctx)
}

func (fc *FolderCollection) addLocal(f *Folder) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, v := range fc.items {
		if v == f {
			return
		}
	}
	fc.items = append(fc.items, f)
}

func (fc *FolderCollection) removeLocal(f *Folder) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for i, v := range fc.items {
		if v == f {
			fc.items = append(fc.items[:i], fc.items[i+1:]...)
			return
		}
	}
}

func (f *Folder) markHasChildren() {
	if f.HasChildren() {
		return
	}
	f.mu.Lock()
	attrs := append([]string(nil), f.attributes...)
	f.mu.Unlock()
	f.refreshAttributes(append(attrs, `\HasChildren`))
}
