package docstore

import (
	"context"
	"io"
	"mime"
	"path/filepath"

	openai "github.com/openai/openai-go"
)

// OpenAIBackend implements Backend on OpenAI Files and Vector Stores.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend wraps an SDK client.
func NewOpenAIBackend(client *openai.Client) *OpenAIBackend {
	return &OpenAIBackend{client: client}
}

func (b *OpenAIBackend) CreateStore(ctx context.Context, name string) (string, error) {
	vs, err := b.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name: openai.String(name),
	})
	if err != nil {
		return "", err
	}
	return vs.ID, nil
}

func (b *OpenAIBackend) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	f, err := b.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(r, name, contentType(name)),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func (b *OpenAIBackend) AttachFiles(ctx context.Context, storeID string, fileIDs []string) (string, error) {
	batch, err := b.client.VectorStores.FileBatches.New(ctx, storeID, openai.VectorStoreFileBatchNewParams{
		FileIDs: fileIDs,
	})
	if err != nil {
		return "", err
	}
	return batch.ID, nil
}

func (b *OpenAIBackend) BatchStatus(ctx context.Context, storeID, batchID string) (BatchCounts, error) {
	batch, err := b.client.VectorStores.FileBatches.Get(ctx, storeID, batchID)
	if err != nil {
		return BatchCounts{}, err
	}
	return BatchCounts{
		InProgress: batch.FileCounts.InProgress,
		Completed:  batch.FileCounts.Completed,
		Failed:     batch.FileCounts.Failed,
	}, nil
}

func (b *OpenAIBackend) SearchStore(ctx context.Context, storeID, query string, limit int) ([]SearchResult, error) {
	params := openai.VectorStoreSearchParams{
		Query: openai.VectorStoreSearchParamsQueryUnion{OfString: openai.String(query)},
	}
	if limit > 0 {
		params.MaxNumResults = openai.Int(int64(limit))
	}
	page, err := b.client.VectorStores.Search(ctx, storeID, params)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, hit := range page.Data {
		var text string
		for _, c := range hit.Content {
			if text != "" {
				text += "\n"
			}
			text += c.Text
		}
		out = append(out, SearchResult{
			StoreID:  storeID,
			FileID:   hit.FileID,
			Filename: hit.Filename,
			Score:    hit.Score,
			Text:     text,
		})
	}
	return out, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
