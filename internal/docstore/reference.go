package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ReferenceStoreName is the display name of the shared definitions store.
const ReferenceStoreName = "O1 Visa Definitions"

// ErrNoReferenceFiles is returned when the refs directory has no usable files.
var ErrNoReferenceFiles = errors.New("no reference files found")

// ReferenceStoreProvider resolves the shared reference store once and hands
// the same id to every session afterwards. A failed resolution is not cached.
type ReferenceStoreProvider struct {
	service *Service
	fixedID string
	refsDir string

	mu sync.Mutex
	id string
}

// NewReferenceStoreProvider returns a provider. A non-empty fixedID is used
// as-is; otherwise a store is built from the .md and .json files in refsDir.
func NewReferenceStoreProvider(service *Service, fixedID, refsDir string) *ReferenceStoreProvider {
	return &ReferenceStoreProvider{service: service, fixedID: strings.TrimSpace(fixedID), refsDir: refsDir}
}

// ID returns the resolved id, or "" before a successful Resolve.
func (p *ReferenceStoreProvider) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Resolve returns the reference store id, building the store on first use.
func (p *ReferenceStoreProvider) Resolve(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id, nil
	}
	if p.fixedID != "" {
		p.id = p.fixedID
		slog.Info("ReferenceStoreProvider.Resolve: using configured store", "storeID", p.id)
		return p.id, nil
	}

	files, err := readRefs(p.refsDir)
	if err != nil {
		return "", err
	}
	id, err := p.service.backend.CreateStore(ctx, ReferenceStoreName)
	if err != nil {
		return "", fmt.Errorf("failed to create reference store: %w", err)
	}
	if _, _, err := p.service.UploadAndIndex(ctx, id, files); err != nil {
		return "", fmt.Errorf("failed to index reference files: %w", err)
	}
	p.id = id
	slog.Info("ReferenceStoreProvider.Resolve: reference store ready", "storeID", id, "files", len(files))
	slog.Info("ReferenceStoreProvider.Resolve: set DEFINITIONS_VECTOR_STORE_ID to reuse this store", "storeID", id)
	return id, nil
}

func readRefs(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read refs dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".md" || ext == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoReferenceFiles, dir)
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read ref file %s: %w", name, err)
		}
		files = append(files, File{Name: name, Reader: bytes.NewReader(data)})
	}
	return files, nil
}
