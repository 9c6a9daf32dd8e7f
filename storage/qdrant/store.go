package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
)

// Config holds connection details for a Qdrant collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	VectorSize int
	Timeout    time.Duration
}

// Store is a REST client for a single Qdrant collection.
// The collection is created with cosine distance on first write.
type Store struct {
	url        string
	apiKey     string
	collection string
	vectorSize int
	client     *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	ensured bool
}

var _ storage.PassageStore = (*Store)(nil)

type apiError struct {
	status int
	method string
	path   string
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.status, e.body)
}

type point struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type scoredPoint struct {
	ID      uint64         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

// NewStore creates a Qdrant-backed passage store.
func NewStore(cfg Config) (storage.PassageStore, error) {
	return newStore(cfg)
}

func newStore(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("qdrant url required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("collection name required")
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("invalid vector size %d", cfg.VectorSize)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Store{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		client:     &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "qdrant", "collection", cfg.Collection),
	}, nil
}

// ensureCollection creates the collection if it does not exist yet.
func (s *Store) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	err := s.do(ctx, http.MethodGet, s.collectionPath(""), nil, nil)
	if isNotFound(err) {
		s.logger.Info("creating collection", "size", s.vectorSize)
		body := map[string]any{
			"vectors": map[string]any{
				"size":     s.vectorSize,
				"distance": "Cosine",
			},
		}
		err = s.do(ctx, http.MethodPut, s.collectionPath(""), body, nil)
	}
	if err != nil {
		return err
	}
	s.ensured = true
	return nil
}

// Upsert writes passages as points keyed by passage ID.
func (s *Store) Upsert(ctx context.Context, passages ...*core.Passage) error {
	if len(passages) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	points := make([]point, len(passages))
	for i, passage := range passages {
		if passage.InsertedAt.IsZero() {
			passage.InsertedAt = now
		}
		if err := core.ValidatePassage(passage); err != nil {
			return err
		}
		if len(passage.Vector) != s.vectorSize {
			return fmt.Errorf("%w: got %d, want %d", storage.ErrDimensionMismatch, len(passage.Vector), s.vectorSize)
		}
		points[i] = point{
			ID:     uint64(passage.Id),
			Vector: passage.Vector,
			Payload: map[string]any{
				"text":        passage.Text,
				"source":      passage.Source,
				"index":       passage.Index,
				"inserted_at": passage.InsertedAt.Format(time.RFC3339Nano),
			},
		}
	}

	return s.do(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil)
}

// SearchTopK runs a nearest-neighbour query against the collection.
func (s *Store) SearchTopK(ctx context.Context, vector []float32, k int) ([]*core.SearchResult, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, storage.ErrInvalidQuery
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp)
	if isNotFound(err) {
		return []*core.SearchResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	results := make([]*core.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, &core.SearchResult{
			Passage: passageFromPayload(r.ID, r.Payload, nil),
			Score:   r.Score,
		})
	}
	return results, nil
}

// Count returns the exact number of points. A missing collection counts as empty.
func (s *Store) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionPath("/points/count"), map[string]any{"exact": true}, &resp)
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Scan pages through the collection with the scroll API.
func (s *Store) Scan(ctx context.Context, batchSize int, fn func([]*core.Passage) error) error {
	if batchSize <= 0 {
		return storage.ErrInvalidQuery
	}

	var offset json.RawMessage
	for {
		req := map[string]any{
			"limit":        batchSize,
			"with_payload": true,
			"with_vector":  true,
		}
		if len(offset) > 0 {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []scoredPoint   `json:"points"`
				NextPageOffset json.RawMessage `json:"next_page_offset"`
			} `json:"result"`
		}
		err := s.do(ctx, http.MethodPost, s.collectionPath("/points/scroll"), req, &resp)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if len(resp.Result.Points) > 0 {
			batch := make([]*core.Passage, len(resp.Result.Points))
			for i, p := range resp.Result.Points {
				batch[i] = passageFromPayload(p.ID, p.Payload, p.Vector)
			}
			if err := fn(batch); err != nil {
				return err
			}
		}

		next := resp.Result.NextPageOffset
		if len(next) == 0 || string(next) == "null" {
			return nil
		}
		offset = next
	}
}

// Clear drops the collection. It is recreated on the next Upsert.
func (s *Store) Clear(ctx context.Context) error {
	err := s.do(ctx, http.MethodDelete, s.collectionPath(""), nil, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	s.mu.Lock()
	s.ensured = false
	s.mu.Unlock()
	return nil
}

// Close releases idle connections.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) collectionPath(suffix string) string {
	return "/collections/" + s.collection + suffix
}

func (s *Store) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apiError{status: resp.StatusCode, method: method, path: path, body: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound
}

func passageFromPayload(id uint64, payload map[string]any, vector []float32) *core.Passage {
	passage := &core.Passage{Id: core.ID(id), Vector: vector}
	if v, ok := payload["text"].(string); ok {
		passage.Text = v
	}
	if v, ok := payload["source"].(string); ok {
		passage.Source = v
	}
	if v, ok := payload["index"].(float64); ok {
		passage.Index = int(v)
	}
	if v, ok := payload["inserted_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			passage.InsertedAt = ts
		}
	}
	return passage
}
