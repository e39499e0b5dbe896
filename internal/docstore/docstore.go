// Package docstore uploads evidence files, indexes them into searchable stores,
// and provisions the per-session and reference stores the oracle searches.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollInterval is how often an indexing batch is checked.
	DefaultPollInterval = 1500 * time.Millisecond
	// DefaultIndexTimeout bounds how long indexing may take.
	DefaultIndexTimeout = 120 * time.Second
	// DefaultUploadConcurrency bounds parallel file uploads.
	DefaultUploadConcurrency = 4
	// DefaultSearchLimit caps results per search call.
	DefaultSearchLimit = 20
)

var (
	// ErrNoFiles is returned when an upload or index call has nothing to do.
	ErrNoFiles = errors.New("no files provided")
	// ErrIndexFailed is returned when indexing finished with failed files.
	ErrIndexFailed = errors.New("indexing finished with failures")
	// ErrIndexTimeout is returned when indexing did not finish in time.
	ErrIndexTimeout = errors.New("timed out waiting for indexing")
)

// BatchCounts reports the per-file state of an indexing batch.
type BatchCounts struct {
	InProgress int64
	Completed  int64
	Failed     int64
}

// SearchResult is one matching chunk of an indexed document.
type SearchResult struct {
	StoreID  string  `json:"store_id"`
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
	Text     string  `json:"text"`
}

// Backend is the remote file and vector store API.
type Backend interface {
	CreateStore(ctx context.Context, name string) (string, error)
	UploadFile(ctx context.Context, name string, r io.Reader) (string, error)
	AttachFiles(ctx context.Context, storeID string, fileIDs []string) (string, error)
	BatchStatus(ctx context.Context, storeID, batchID string) (BatchCounts, error)
	SearchStore(ctx context.Context, storeID, query string, limit int) ([]SearchResult, error)
}

// Uploader stores a single file and returns its id.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// IndexStatus is the terminal state of an indexing batch.
type IndexStatus struct {
	BatchID string      `json:"batch_id"`
	Counts  BatchCounts `json:"counts"`
}

// Indexer attaches uploaded files to a store and waits until they are searchable.
type Indexer interface {
	Index(ctx context.Context, storeID string, fileIDs []string) (IndexStatus, error)
}

// Stores holds the store ids a session searches.
type Stores struct {
	UserStoreID      string `json:"user_store_id"`
	ReferenceStoreID string `json:"reference_store_id"`
}

// Provisioner creates the stores a new session needs.
type Provisioner interface {
	EnsureStores(ctx context.Context, sessionID string) (Stores, error)
}

// Searcher queries a set of stores.
type Searcher interface {
	Search(ctx context.Context, storeIDs []string, query string) ([]SearchResult, error)
}

// File is an upload input.
type File struct {
	Name   string
	Reader io.Reader
}

// Service implements Uploader, Indexer, Provisioner and Searcher over a Backend.
type Service struct {
	backend      Backend
	references   *ReferenceStoreProvider
	pollInterval time.Duration
	indexTimeout time.Duration
	concurrency  int
	searchLimit  int
}

// Opts configures a Service.
type Opts struct {
	PollInterval      time.Duration
	IndexTimeout      time.Duration
	UploadConcurrency int
	SearchLimit       int
}

// Option configures a Service.
type Option func(*Opts)

// WithPollInterval sets how often indexing batches are polled.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithIndexTimeout sets the indexing deadline.
func WithIndexTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IndexTimeout = d }
}

// WithUploadConcurrency sets how many files upload at once.
func WithUploadConcurrency(n int) Option {
	return func(o *Opts) { o.UploadConcurrency = n }
}

// WithSearchLimit caps search results.
func WithSearchLimit(n int) Option {
	return func(o *Opts) { o.SearchLimit = n }
}

// NewService returns a Service over backend.
func NewService(backend Backend, opts ...Option) *Service {
	cfg := Opts{
		PollInterval:      DefaultPollInterval,
		IndexTimeout:      DefaultIndexTimeout,
		UploadConcurrency: DefaultUploadConcurrency,
		SearchLimit:       DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 1
	}
	return &Service{
		backend:      backend,
		pollInterval: cfg.PollInterval,
		indexTimeout: cfg.IndexTimeout,
		concurrency:  cfg.UploadConcurrency,
		searchLimit:  cfg.SearchLimit,
	}
}

// SetReferenceProvider attaches the provider used by EnsureStores.
func (s *Service) SetReferenceProvider(p *ReferenceStoreProvider) {
	s.references = p
}

// Upload stores one file.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	id, err := s.backend.UploadFile(ctx, name, r)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	slog.Debug("Service.Upload: file uploaded", "name", name, "fileID", id)
	return id, nil
}

// UploadAll uploads files concurrently and returns their ids in input order.
func (s *Service) UploadAll(ctx context.Context, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	ids := make([]string, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			id, err := s.Upload(gCtx, f.Name, f.Reader)
			if err != nil {
				return err
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Index attaches fileIDs to storeID and polls until ingestion finishes.
func (s *Service) Index(ctx context.Context, storeID string, fileIDs []string) (IndexStatus, error) {
	if len(fileIDs) == 0 {
		return IndexStatus{}, ErrNoFiles
	}
	batchID, err := s.backend.AttachFiles(ctx, storeID, fileIDs)
	if err != nil {
		return IndexStatus{}, fmt.Errorf("failed to attach files to store %s: %w", storeID, err)
	}
	status := IndexStatus{BatchID: batchID}

	deadline := time.Now().Add(s.indexTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		counts, err := s.backend.BatchStatus(ctx, storeID, batchID)
		if err != nil {
			return status, fmt.Errorf("failed to poll batch %s: %w", batchID, err)
		}
		status.Counts = counts
		if counts.InProgress == 0 {
			if counts.Failed > 0 {
				return status, fmt.Errorf("%w (failed=%d)", ErrIndexFailed, counts.Failed)
			}
			slog.Info("Service.Index: batch indexed", "storeID", storeID, "batchID", batchID, "files", counts.Completed)
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, ErrIndexTimeout
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UploadAndIndex uploads files and waits until they are searchable in storeID.
func (s *Service) UploadAndIndex(ctx context.Context, storeID string, files []File) ([]string, IndexStatus, error) {
	ids, err := s.UploadAll(ctx, files)
	if err != nil {
		return nil, IndexStatus{}, err
	}
	status, err := s.Index(ctx, storeID, ids)
	if err != nil {
		return ids, status, err
	}
	return ids, status, nil
}

// UserStoreName is the display name of a session's evidence store.
func UserStoreName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("O1 Evidence [%s]", short)
}

// EnsureStores creates the session's evidence store and resolves the reference store.
func (s *Service) EnsureStores(ctx context.Context, sessionID string) (Stores, error) {
	var stores Stores
	if s.references != nil {
		ref, err := s.references.Resolve(ctx)
		if err != nil {
			return Stores{}, fmt.Errorf("failed to resolve reference store: %w", err)
		}
		stores.ReferenceStoreID = ref
	}
	id, err := s.backend.CreateStore(ctx, UserStoreName(sessionID))
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create user store: %w", err)
	}
	stores.UserStoreID = id
	slog.Info("Service.EnsureStores: user store created", "sessionID", sessionID, "storeID", id)
	return stores, nil
}

// Search queries every non-empty store id and merges results by score.
func (s *Service) Search(ctx context.Context, storeIDs []string, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var ids []string
	for _, id := range storeIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	parts := make([][]SearchResult, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := s.backend.SearchStore(gCtx, id, query, s.searchLimit)
			if err != nil {
				return fmt.Errorf("failed to search store %s: %w", id, err)
			}
			parts[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, p := range parts {
		out = append(out, p...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if s.searchLimit > 0 && len(out) > s.searchLimit {
		out = out[:s.searchLimit]
	}
	return out, nil
}
