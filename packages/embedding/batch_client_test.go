package embedding

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "batch", r.FormValue("purpose"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "jobs.jsonl", hdr.Filename)
		assert.Equal(t, `{"custom_id":"1"}`+"\n", string(body))
		_, _ = w.Write([]byte(`{"id":"file-abc","object":"file","bytes":18,"filename":"jobs.jsonl","purpose":"batch"}`))
	})
	mux.HandleFunc("POST /v1/batches", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			InputFileID      string `json:"input_file_id"`
			Endpoint         string `json:"endpoint"`
			CompletionWindow string `json:"completion_window"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "file-abc", req.InputFileID)
		assert.Equal(t, "/v1/embeddings", req.Endpoint)
		assert.Equal(t, "24h", req.CompletionWindow)
		_, _ = w.Write([]byte(`{"id":"batch_1","object":"batch","endpoint":"/v1/embeddings","status":"validating",
			"input_file_id":"file-abc","completion_window":"24h","request_counts":{"total":0,"completed":0,"failed":0}}`))
	})
	mux.HandleFunc("GET /v1/batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"batch_1","object":"batch","status":"completed","output_file_id":"file-out",
			"error_file_id":null,"request_counts":{"total":2,"completed":2,"failed":0}}`))
	})
	mux.HandleFunc("GET /v1/batches/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"No batch found with id 'missing'.","type":"invalid_request_error"}}`))
	})
	mux.HandleFunc("GET /v1/files/file-out/content", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("line one\nline two\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIBatchClientRoundTrip(t *testing.T) {
	srv := newTestBatchServer(t)
	client := NewOpenAIBatchClient(srv.URL+"/v1", "sk-test", "")
	ctx := context.Background()

	fileID, err := client.UploadFile(ctx, "jobs.jsonl", []byte(`{"custom_id":"1"}`+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "file-abc", fileID)

	created, err := client.CreateBatch(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "batch_1", created.ID)
	assert.Equal(t, "validating", created.Status)

	got, err := client.RetrieveBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "file-out", got.OutputFileID)
	assert.Empty(t, got.ErrorFileID)
	assert.Equal(t, 2, got.RequestCounts.Completed)

	content, err := client.FileContent(ctx, got.OutputFileID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(content))
}

func TestOpenAIBatchClientReportsAPIErrors(t *testing.T) {
	srv := newTestBatchServer(t)
	client := NewOpenAIBatchClient(srv.URL+"/v1", "sk-test", "24h")

	_, err := client.RetrieveBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAPI)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "No batch found")
}
