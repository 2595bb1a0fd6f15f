// Package drivetest provides an in-memory drive.Drive for tests.
package drivetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fruitsalade/docportal/internal/drive"
)

type node struct {
	item         drive.Item
	content      []byte
	children     []string
	listingNoURL bool
}

// Memory is an in-memory drive that counts calls per operation.
type Memory struct {
	mu     sync.Mutex
	nodes  map[string]*node
	rootID string
	nextID int
	calls  map[string]int

	// PutErrors fails PutContent for the named files.
	PutErrors map[string]error
	// ListError fails every ListChildren call when set.
	ListError error
	// RaceCreate makes CreateFolder behave as if another client created the
	// folder first: the folder appears and the call reports a conflict.
	RaceCreate bool
}

// NewMemory creates a drive holding an empty "shared" root.
func NewMemory() *Memory {
	m := &Memory{
		nodes:     make(map[string]*node),
		calls:     make(map[string]int),
		PutErrors: make(map[string]error),
	}
	m.rootID = m.newID()
	m.nodes[m.rootID] = &node{item: drive.Item{ID: m.rootID, Name: "shared", IsFolder: true}}
	return m
}

func (m *Memory) newID() string {
	m.nextID++
	return fmt.Sprintf("item-%d", m.nextID)
}

// AddFolder creates a folder without counting a call.
func (m *Memory) AddFolder(parentID, name string) drive.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(parentID, drive.Item{Name: name, IsFolder: true}, nil)
}

// AddFile creates a file without counting a call. An empty downloadURL
// leaves the item without one, as some listings do.
func (m *Memory) AddFile(parentID, name string, content []byte, modified *time.Time, downloadURL string) drive.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(parentID, drive.Item{
		Name:         name,
		Size:         int64(len(content)),
		LastModified: modified,
		DownloadURL:  downloadURL,
	}, content)
}

func (m *Memory) add(parentID string, it drive.Item, content []byte) drive.Item {
	it.ID = m.newID()
	m.nodes[it.ID] = &node{item: it, content: content}
	parent := m.nodes[parentID]
	parent.children = append(parent.children, it.ID)
	return it
}

// RootID returns the id of the shared root.
func (m *Memory) RootID() string { return m.rootID }

// Calls returns how often op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Names returns the child names of a folder in order.
func (m *Memory) Names(folderID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, id := range m.nodes[folderID].children {
		names = append(names, m.nodes[id].item.Name)
	}
	return names
}

// Content returns the bytes of the named file in a folder.
func (m *Memory) Content(folderID, name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.nodes[folderID].children {
		if n := m.nodes[id]; n.item.Name == name {
			return n.content, true
		}
	}
	return nil, false
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Root(ctx context.Context) (drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["root"]++
	return m.nodes[m.rootID].item, nil
}

func (m *Memory) ListChildren(ctx context.Context, folderID string) ([]drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["list"]++
	if m.ListError != nil {
		return nil, m.ListError
	}
	parent, ok := m.nodes[folderID]
	if !ok {
		return nil, &drive.NotFoundError{Kind: "item", Name: folderID}
	}
	items := make([]drive.Item, 0, len(parent.children))
	for _, id := range parent.children {
		n := m.nodes[id]
		it := n.item
		if n.listingNoURL {
			it.DownloadURL = ""
		}
		items = append(items, it)
	}
	return items, nil
}

func (m *Memory) CreateFolder(ctx context.Context, parentID, name string) (drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create_folder"]++
	parent, ok := m.nodes[parentID]
	if !ok {
		return drive.Item{}, &drive.NotFoundError{Kind: "item", Name: parentID}
	}
	if m.RaceCreate {
		m.add(parentID, drive.Item{Name: name, IsFolder: true}, nil)
	}
	for _, id := range parent.children {
		if m.nodes[id].item.Name == name {
			return drive.Item{}, &drive.RemoteAPIError{Op: "create folder", Name: name, Status: http.StatusConflict}
		}
	}
	return m.add(parentID, drive.Item{Name: name, IsFolder: true}, nil), nil
}

func (m *Memory) PutContent(ctx context.Context, folderID, name string, content []byte) (drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["put_content"]++
	if err := m.PutErrors[name]; err != nil {
		return drive.Item{}, err
	}
	if _, ok := m.nodes[folderID]; !ok {
		return drive.Item{}, &drive.NotFoundError{Kind: "item", Name: folderID}
	}
	taken := func(n string) bool {
		for _, id := range m.nodes[folderID].children {
			if m.nodes[id].item.Name == n {
				return true
			}
		}
		return false
	}
	now := time.Now().UTC()
	return m.add(folderID, drive.Item{
		Name:         drive.UniqueName(name, taken),
		Size:         int64(len(content)),
		LastModified: &now,
	}, content), nil
}

func (m *Memory) GetItem(ctx context.Context, itemID string) (drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get_item"]++
	n, ok := m.nodes[itemID]
	if !ok {
		return drive.Item{}, &drive.NotFoundError{Kind: "item", Name: itemID}
	}
	return n.item, nil
}

// SetDownloadURL sets the URL GetItem reports for a file.
func (m *Memory) SetDownloadURL(itemID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[itemID].item.DownloadURL = url
}

// ClearListingURL hides the download URL from listings while GetItem
// still reports it.
func (m *Memory) ClearListingURL(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[itemID].listingNoURL = true
}
