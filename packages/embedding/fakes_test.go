package embedding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"ingestor/packages/domain"
)

type memStore struct {
	mu         sync.Mutex
	candidates []domain.EmbeddingCandidate
	embedded   map[int64][]float32
	queries    []domain.EmbeddingQuery
	upsertErr  error
	upserts    int
}

func newMemStore(c ...domain.EmbeddingCandidate) *memStore {
	return &memStore{candidates: c, embedded: map[int64][]float32{}}
}

func (s *memStore) ContentForEmbedding(_ context.Context, q domain.EmbeddingQuery) ([]domain.EmbeddingCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	var out []domain.EmbeddingCandidate
	for _, c := range s.candidates {
		if _, done := s.embedded[c.PageID]; done {
			continue
		}
		if len(c.Content) <= q.MinLength || slices.Contains(q.ExcludeIDs, c.PageID) {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) UpsertEmbeddings(_ context.Context, records []domain.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, r := range records {
		s.embedded[r.PageID] = r.Vector
	}
	return nil
}

func (s *memStore) embeddedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.embedded))
	for id := range s.embedded {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// runeTokenizer treats every rune as one token.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    atomic.Int32
	failures map[string]int // text prefix -> remaining failures, -1 forever
	inputs   []string
	active   atomic.Int32
	peak     atomic.Int32
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	now := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if now <= p || f.peak.CompareAndSwap(p, now) {
			break
		}
	}

	f.mu.Lock()
	f.inputs = append(f.inputs, texts...)
	for prefix, n := range f.failures {
		if strings.HasPrefix(texts[0], prefix) && n != 0 {
			if n > 0 {
				f.failures[prefix] = n - 1
			}
			f.mu.Unlock()
			return nil, errors.New("rate limited")
		}
	}
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0.5}
	}
	return out, nil
}

// fakeBatchAPI simulates the Files and Batches endpoints in memory.
type fakeBatchAPI struct {
	mu        sync.Mutex
	seq       int
	files     map[string][]byte
	batches   map[string]Batch
	order     []string
	uploadErr error
	polls     map[string]int
}

func newFakeBatchAPI() *fakeBatchAPI {
	return &fakeBatchAPI{files: map[string][]byte{}, batches: map[string]Batch{}, polls: map[string]int{}}
}

func (f *fakeBatchAPI) UploadFile(_ context.Context, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.seq++
	id := fmt.Sprintf("file-%d", f.seq)
	f.files[id] = slices.Clone(data)
	return id, nil
}

func (f *fakeBatchAPI) CreateBatch(_ context.Context, inputFileID string) (Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	b := Batch{ID: fmt.Sprintf("batch-%d", f.seq), Status: "validating", InputFileID: inputFileID}
	f.batches[b.ID] = b
	f.order = append(f.order, b.ID)
	return b, nil
}

func (f *fakeBatchAPI) RetrieveBatch(_ context.Context, id string) (Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[id]++
	b, ok := f.batches[id]
	if !ok {
		return Batch{}, errors.New("no such batch")
	}
	return b, nil
}

func (f *fakeBatchAPI) FileContent(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[id]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (f *fakeBatchAPI) requests(batchID string) []batchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []batchRequest
	scanner := bufio.NewScanner(bytes.NewReader(f.files[f.batches[batchID].InputFileID]))
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		var r batchRequest
		_ = json.Unmarshal(scanner.Bytes(), &r)
		out = append(out, r)
	}
	return out
}

func (f *fakeBatchAPI) batchIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.order)
}

// complete finishes a batch, writing an embedding for every request except
// the custom ids listed in failed, which land in the error file.
func (f *fakeBatchAPI) complete(batchID string, failed ...string) {
	reqs := f.requests(batchID)

	var out, errs bytes.Buffer
	for _, r := range reqs {
		if slices.Contains(failed, r.CustomID) {
			fmt.Fprintf(&errs, `{"custom_id":%q,"response":null,"error":{"code":"invalid_request","message":"too long"}}`+"\n", r.CustomID)
			continue
		}
		fmt.Fprintf(&out, `{"custom_id":%q,"response":{"status_code":200,"body":{"data":[{"embedding":[0.1,0.2,0.3]}]}},"error":null}`+"\n", r.CustomID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[batchID]
	b.Status = "completed"
	b.OutputFileID = "out-" + batchID
	f.files[b.OutputFileID] = out.Bytes()
	if errs.Len() > 0 {
		b.ErrorFileID = "err-" + batchID
		f.files[b.ErrorFileID] = errs.Bytes()
	}
	f.batches[batchID] = b
}

func (f *fakeBatchAPI) setStatus(batchID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[batchID]
	b.Status = status
	f.batches[batchID] = b
}

func text(prefix string, n int) string {
	return prefix + strings.Repeat("x", n-len(prefix))
}
