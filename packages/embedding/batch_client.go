package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var ErrAPI = errors.New("openai api error")

// Batch is the subset of the Batch API object the manager reads.
type Batch struct {
	ID            string
	Status        string
	InputFileID   string
	OutputFileID  string
	ErrorFileID   string
	RequestCounts RequestCounts
}

type RequestCounts struct {
	Total     int
	Completed int
	Failed    int
}

type BatchAPI interface {
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (Batch, error)
	RetrieveBatch(ctx context.Context, batchID string) (Batch, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// OpenAIBatchClient adapts the go-openai files and batches calls to BatchAPI.
type OpenAIBatchClient struct {
	client           *openai.Client
	completionWindow string
}

func NewOpenAIBatchClient(baseURL, token, completionWindow string) *OpenAIBatchClient {
	if completionWindow == "" {
		completionWindow = "24h"
	}
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	return &OpenAIBatchClient{
		client:           openai.NewClientWithConfig(cfg),
		completionWindow: completionWindow,
	}
}

func (c *OpenAIBatchClient) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	file, err := c.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload batch file: %w", apiError(err))
	}
	return file.ID, nil
}

func (c *OpenAIBatchClient) CreateBatch(ctx context.Context, inputFileID string) (Batch, error) {
	resp, err := c.client.CreateBatch(ctx, openai.CreateBatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         openai.BatchEndpointEmbeddings,
		CompletionWindow: c.completionWindow,
	})
	if err != nil {
		return Batch{}, fmt.Errorf("failed to create batch: %w", apiError(err))
	}
	return fromSDK(resp.Batch), nil
}

func (c *OpenAIBatchClient) RetrieveBatch(ctx context.Context, batchID string) (Batch, error) {
	resp, err := c.client.RetrieveBatch(ctx, batchID)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to retrieve batch %s: %w", batchID, apiError(err))
	}
	return fromSDK(resp.Batch), nil
}

func (c *OpenAIBatchClient) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	raw, err := c.client.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, apiError(err))
	}
	defer raw.Close()
	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	return data, nil
}

func fromSDK(b openai.Batch) Batch {
	return Batch{
		ID:           b.ID,
		Status:       b.Status,
		InputFileID:  b.InputFileID,
		OutputFileID: deref(b.OutputFileID),
		ErrorFileID:  deref(b.ErrorFileID),
		RequestCounts: RequestCounts{
			Total:     b.RequestCounts.Total,
			Completed: b.RequestCounts.Completed,
			Failed:    b.RequestCounts.Failed,
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// apiError tags non-2xx responses with ErrAPI and the status code.
// Transport failures pass through untouched.
func apiError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %d %s", ErrAPI, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %d %v", ErrAPI, reqErr.HTTPStatusCode, reqErr.Err)
	}
	return err
}
