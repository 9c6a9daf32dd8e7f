package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant implements the subset of the Qdrant REST API the store uses.
type fakeQdrant struct {
	mu      sync.Mutex
	exists  bool
	points  map[uint64]point
	apiKeys []string
	creates int
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{points: make(map[uint64]point)}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	path := strings.TrimPrefix(r.URL.Path, "/collections/handbook")
	switch {
	case path == "" && r.Method == http.MethodGet:
		if !f.exists {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"result": map[string]any{"status": "green"}})
	case path == "" && r.Method == http.MethodPut:
		f.exists = true
		f.creates++
		writeJSON(w, map[string]any{"result": true})
	case path == "" && r.Method == http.MethodDelete:
		f.exists = false
		f.points = make(map[uint64]point)
		writeJSON(w, map[string]any{"result": true})
	case !f.exists:
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	case path == "/points" && r.Method == http.MethodPut:
		var req struct {
			Points []point `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, p := range req.Points {
			f.points[p.ID] = p
		}
		writeJSON(w, map[string]any{"result": map[string]any{"status": "completed"}})
	case path == "/points/count":
		writeJSON(w, map[string]any{"result": map[string]any{"count": len(f.points)}})
	case path == "/points/search":
		var req struct {
			Vector []float32 `json:"vector"`
			Limit  int       `json:"limit"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var hits []map[string]any
		for _, p := range f.sorted() {
			var dot float32
			for i := range req.Vector {
				dot += req.Vector[i] * p.Vector[i]
			}
			hits = append(hits, map[string]any{"id": p.ID, "score": dot, "payload": p.Payload})
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i]["score"].(float32) > hits[j]["score"].(float32) })
		if len(hits) > req.Limit {
			hits = hits[:req.Limit]
		}
		writeJSON(w, map[string]any{"result": hits})
	case path == "/points/scroll":
		var req struct {
			Limit  int     `json:"limit"`
			Offset *uint64 `json:"offset"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		all := f.sorted()
		start := 0
		if req.Offset != nil {
			for i, p := range all {
				if p.ID == *req.Offset {
					start = i
				}
			}
		}
		end := min(start+req.Limit, len(all))
		var next any
		if end < len(all) {
			next = all[end].ID
		}
		var pts []map[string]any
		for _, p := range all[start:end] {
			pts = append(pts, map[string]any{"id": p.ID, "payload": p.Payload, "vector": p.Vector})
		}
		writeJSON(w, map[string]any{"result": map[string]any{"points": pts, "next_page_offset": next}})
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func (f *fakeQdrant) sorted() []point {
	all := make([]point, 0, len(f.points))
	for _, p := range f.points {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestStore(t *testing.T) (*Store, *fakeQdrant) {
	t.Helper()
	fake := newFakeQdrant()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := newStore(Config{URL: srv.URL + "/", APIKey: "secret", Collection: "handbook", VectorSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, fake
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(Config{Collection: "handbook", VectorSize: 2})
	assert.Error(t, err)
	_, err = NewStore(Config{URL: "http://localhost:6333", VectorSize: 2})
	assert.Error(t, err)
	_, err = NewStore(Config{URL: "http://localhost:6333", Collection: "handbook"})
	assert.Error(t, err)
}

func TestStore_CountMissingCollection(t *testing.T) {
	store, _ := newTestStore(t)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_UpsertSearchCount(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestStore(t)

	require.NoError(t, store.Upsert(ctx,
		core.NewPassage("handbook.pdf", 0, "north", []float32{0, 1}),
		core.NewPassage("handbook.pdf", 1, "east", []float32{1, 0}),
	))
	require.NoError(t, store.Upsert(ctx, core.NewPassage("handbook.pdf", 2, "diag", []float32{0.7, 0.7})))
	assert.Equal(t, 1, fake.creates, "collection created once")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	results, err := store.SearchTopK(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "north", results[0].Passage.Text)
	assert.Equal(t, "handbook.pdf", results[0].Passage.Source)
	assert.Equal(t, "diag", results[1].Passage.Text)
	assert.Equal(t, 2, results[1].Passage.Index)
	assert.Equal(t, core.PassageID("handbook.pdf", 0, "north"), results[0].Passage.Id)

	for _, key := range fake.apiKeys {
		assert.Equal(t, "secret", key)
	}
}

func TestStore_UpsertDimensionMismatch(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Upsert(context.Background(), core.NewPassage("doc", 0, "three dims", []float32{1, 2, 3}))
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestStore_ScanAndClear(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Upsert(ctx, core.NewPassage("doc", i, "p"+string(rune('a'+i)), []float32{float32(i), 1})))
	}

	seen := 0
	var sizes []int
	err := store.Scan(ctx, 2, func(batch []*core.Passage) error {
		sizes = append(sizes, len(batch))
		for _, p := range batch {
			assert.Len(t, p.Vector, 2)
			assert.NotEmpty(t, p.Text)
		}
		seen += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, seen)
	assert.Equal(t, []int{2, 2, 1}, sizes)

	require.NoError(t, store.Clear(ctx))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Collection is recreated after a clear
	require.NoError(t, store.Upsert(ctx, core.NewPassage("doc", 0, "again", []float32{1, 1})))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store, err := NewStore(Config{URL: srv.URL, Collection: "handbook", VectorSize: 2})
	require.NoError(t, err)

	_, err = store.Count(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
