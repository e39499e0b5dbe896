package docstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

type memFile struct {
	id   string
	name string
	text string
}

type memBatch struct {
	fileIDs []string
	polls   int
}

// MemoryBackend is an in-process Backend. Search is keyword overlap over the
// uploaded bytes read as text.
type MemoryBackend struct {
	mu      sync.Mutex
	seq     int
	stores  map[string]string
	files   map[string]memFile
	members map[string][]string
	batches map[string]*memBatch

	// PendingPolls is how many status checks a batch reports in progress.
	PendingPolls int
	// FailFiles names files that fail ingestion.
	FailFiles map[string]bool
	// UploadErr, when set, fails every upload.
	UploadErr error
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		stores:  make(map[string]string),
		files:   make(map[string]memFile),
		members: make(map[string][]string),
		batches: make(map[string]*memBatch),
	}
}

func (m *MemoryBackend) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

// StoreName returns the name a store was created with.
func (m *MemoryBackend) StoreName(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores[id]
}

// StoreFiles returns the names of files indexed into a store.
func (m *MemoryBackend) StoreFiles(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, fid := range m.members[id] {
		names = append(names, m.files[fid].name)
	}
	return names
}

// StoreCount returns how many stores exist.
func (m *MemoryBackend) StoreCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stores)
}

func (m *MemoryBackend) CreateStore(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID("vs")
	m.stores[id] = name
	return id, nil
}

func (m *MemoryBackend) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID("file")
	m.files[id] = memFile{id: id, name: name, text: string(data)}
	return id, nil
}

func (m *MemoryBackend) AttachFiles(ctx context.Context, storeID string, fileIDs []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[storeID]; !ok {
		return "", fmt.Errorf("store %s not found", storeID)
	}
	for _, id := range fileIDs {
		if _, ok := m.files[id]; !ok {
			return "", fmt.Errorf("file %s not found", id)
		}
	}
	id := m.nextID("batch")
	m.batches[id] = &memBatch{fileIDs: append([]string(nil), fileIDs...)}
	return id, nil
}

func (m *MemoryBackend) BatchStatus(ctx context.Context, storeID, batchID string) (BatchCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return BatchCounts{}, fmt.Errorf("batch %s not found", batchID)
	}
	if b.polls < m.PendingPolls {
		b.polls++
		return BatchCounts{InProgress: int64(len(b.fileIDs))}, nil
	}
	var counts BatchCounts
	for _, fid := range b.fileIDs {
		if m.FailFiles[m.files[fid].name] {
			counts.Failed++
			continue
		}
		counts.Completed++
		if !contains(m.members[storeID], fid) {
			m.members[storeID] = append(m.members[storeID], fid)
		}
	}
	return counts, nil
}

func (m *MemoryBackend) SearchStore(ctx context.Context, storeID, query string, limit int) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []SearchResult
	for _, fid := range m.members[storeID] {
		f := m.files[fid]
		haystack := strings.ToLower(f.name + " " + f.text)
		hits := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, SearchResult{
			StoreID:  storeID,
			FileID:   fid,
			Filename: f.name,
			Score:    float64(hits) / float64(len(terms)),
			Text:     f.text,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
