package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	aimock "github.com/poiesic/handbook/ai/mock"
	"github.com/poiesic/handbook/core"
	"github.com/poiesic/handbook/llm"
	llmmock "github.com/poiesic/handbook/llm/mock"
	"github.com/poiesic/handbook/queue"
	"github.com/poiesic/handbook/storage"
	"github.com/poiesic/handbook/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corpus = []*core.Passage{
	core.NewPassage("handbook.pdf", 0, "Employees get 20 days of paid vacation.", []float32{1, 0, 0}),
	core.NewPassage("handbook.pdf", 1, "Vacation requests need manager approval.", []float32{0.9, 0.1, 0}),
	core.NewPassage("handbook.pdf", 2, "Up to 5 unused vacation days carry over.", []float32{0.8, 0.2, 0}),
	core.NewPassage("handbook.pdf", 3, "Expenses are reimbursed monthly.", []float32{0, 1, 0}),
	core.NewPassage("handbook.pdf", 4, "The office opens at 8am.", []float32{0, 0, 1}),
}

type fixture struct {
	store    storage.PassageStore
	embedder *aimock.MockEmbedder
	queue    *queue.TaskQueue
	ingested atomic.Int32
	// ingestFn replaces the default seeding work when set.
	ingestFn func(ctx context.Context) (any, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := badger.NewMemoryStore("handbook")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	embedder := aimock.NewMockEmbedder()
	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}

	q, err := queue.New(10)
	require.NoError(t, err)
	require.NoError(t, q.Start(1))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})

	return &fixture{store: store, embedder: embedder, queue: q}
}

func (f *fixture) ingest(path string) queue.Work {
	return func(ctx context.Context) (any, error) {
		f.ingested.Add(1)
		if f.ingestFn != nil {
			return f.ingestFn(ctx)
		}
		return len(corpus), f.store.Upsert(ctx, corpus...)
	}
}

func (f *fixture) orchestrator(t *testing.T, backends Backends, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(f.store, f.embedder, f.queue, f.ingest, backends, opts...)
	require.NoError(t, err)
	return o
}

// recordingMonitor captures QueryMonitor callbacks.
type recordingMonitor struct {
	mu        sync.Mutex
	events    []string
	retrieved int
	finishErr error
}

func (m *recordingMonitor) add(e string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *recordingMonitor) Start(q string) { m.add("start") }
func (m *recordingMonitor) AfterRetrieval(r []*core.SearchResult) {
	m.mu.Lock()
	m.retrieved = len(r)
	m.mu.Unlock()
	m.add("retrieved")
}
func (m *recordingMonitor) BackendSelected(name string) { m.add("backend:" + name) }
func (m *recordingMonitor) Fallback(from, to string, cause error) {
	m.add(fmt.Sprintf("fallback:%s->%s", from, to))
}
func (m *recordingMonitor) Finish(err error) {
	m.mu.Lock()
	m.finishErr = err
	m.mu.Unlock()
	m.add("finish")
}

func (m *recordingMonitor) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func collectChunks(t *testing.T, s *llm.Stream) []llm.Chunk {
	t.Helper()
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var chunks []llm.Chunk
	for {
		c, err := s.Next(ctx)
		if err != nil {
			return chunks
		}
		chunks = append(chunks, c)
	}
}

func TestNewOrchestrator_Validation(t *testing.T) {
	f := newFixture(t)
	local := llmmock.NewMockBackend("local")

	_, err := NewOrchestrator(f.store, f.embedder, nil, f.ingest, Backends{Local: local})
	assert.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewOrchestrator(f.store, f.embedder, f.queue, nil, Backends{Local: local})
	assert.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewOrchestrator(f.store, f.embedder, f.queue, f.ingest, Backends{})
	assert.ErrorIs(t, err, ErrBackendRequired)

	_, err = NewOrchestrator(f.store, f.embedder, f.queue, f.ingest, Backends{Local: local}, WithPreference(llm.Remote))
	assert.ErrorIs(t, err, ErrBackendRequired)

	_, err = NewOrchestrator(nil, f.embedder, f.queue, f.ingest, Backends{Local: local})
	assert.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewOrchestrator(f.store, nil, f.queue, f.ingest, Backends{Local: local})
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	_, err = NewOrchestrator(f.store, f.embedder, f.queue, f.ingest, Backends{Local: local}, WithTopK(0))
	assert.Error(t, err)

	_, err = NewOrchestrator(f.store, f.embedder, f.queue, f.ingest, Backends{Local: local}, WithPreference("gpu"))
	assert.ErrorIs(t, err, llm.ErrUnknownPreference)
}

func TestProcessQuery_NoCorpus(t *testing.T) {
	tests := []struct {
		name     string
		question string
	}{
		{"question", "How many vacation days do I get?"},
		{"empty", ""},
		{"whitespace", "  \t\n "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			local := llmmock.NewMockBackend("local")
			monitor := &recordingMonitor{}
			o := f.orchestrator(t, Backends{Local: local}, WithMonitor(monitor))

			_, err := o.ProcessQuery(context.Background(), tt.question)
			assert.ErrorIs(t, err, ErrNoCorpus)
			assert.Zero(t, f.ingested.Load())
			assert.Zero(t, f.queue.Outstanding())
			assert.Zero(t, local.GenerateCount())
			assert.Empty(t, monitor.Events())
		})
	}
}

func TestProcessQuery_EmptyQuestion(t *testing.T) {
	f := newFixture(t)
	local := llmmock.NewMockBackend("local")
	o := f.orchestrator(t, Backends{Local: local})
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	for _, q := range []string{"", "   "} {
		_, err := o.ProcessQuery(ctx, q)
		assert.ErrorIs(t, err, ErrEmptyQuestion)
	}
	assert.Zero(t, local.GenerateCount())
}

func TestEnsureEmbeddings_IngestsOnce(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Backends{Local: llmmock.NewMockBackend("local")})
	ctx := context.Background()

	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))
	require.NoError(t, o.EnsureEmbeddings(ctx, "other.pdf"))

	assert.Equal(t, int32(1), f.ingested.Load())
	has, err := o.HasEmbeddings(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestEnsureEmbeddings_ConcurrentCallersShareIngestion(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.ingestFn = func(ctx context.Context) (any, error) {
		<-release
		return nil, f.store.Upsert(ctx, corpus...)
	}
	o := f.orchestrator(t, Backends{Local: llmmock.NewMockBackend("local")})

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- o.EnsureEmbeddings(context.Background(), "handbook.pdf") }()
	}

	require.Eventually(t, func() bool { return f.ingested.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("EnsureEmbeddings did not return")
		}
	}
	assert.Equal(t, int32(1), f.ingested.Load())
}

func TestEnsureEmbeddings_FailureIsReportedAndRetried(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("corrupt pdf")
	f.ingestFn = func(ctx context.Context) (any, error) { return nil, boom }
	o := f.orchestrator(t, Backends{Local: llmmock.NewMockBackend("local")})
	ctx := context.Background()

	err := o.EnsureEmbeddings(ctx, "handbook.pdf")
	assert.ErrorIs(t, err, ErrIngestionFailed)
	assert.ErrorIs(t, err, boom)

	f.ingestFn = nil
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))
	assert.Equal(t, int32(2), f.ingested.Load())
}

func TestEnsureEmbeddings_HonoursContext(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.ingestFn = func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}
	o := f.orchestrator(t, Backends{Local: llmmock.NewMockBackend("local")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := o.EnsureEmbeddings(ctx, "handbook.pdf")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrIngestionFailed)
}

func TestEnsureEmbeddings_QueueFull(t *testing.T) {
	store, err := badger.NewMemoryStore("handbook")
	require.NoError(t, err)
	defer store.Close()

	q, err := queue.New(1)
	require.NoError(t, err)
	_, err = q.Enqueue(func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ingest := func(path string) queue.Work {
		return func(ctx context.Context) (any, error) { return nil, nil }
	}
	o, err := NewOrchestrator(store, aimock.NewMockEmbedder(), q, ingest, Backends{Local: llmmock.NewMockBackend("local")})
	require.NoError(t, err)

	err = o.EnsureEmbeddings(context.Background(), "handbook.pdf")
	assert.ErrorIs(t, err, queue.ErrQueueFull)

	_, err = o.SubmitIngestion("handbook.pdf")
	assert.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestSubmitIngestion_AlwaysEnqueues(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Backends{Local: llmmock.NewMockBackend("local")})
	ctx := context.Background()

	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	h, err := o.SubmitIngestion("handbook.pdf")
	require.NoError(t, err)
	v, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(corpus), v)
	assert.Equal(t, int32(2), f.ingested.Load())
}

func TestProcessQuery_GroundsPromptInTopPassages(t *testing.T) {
	f := newFixture(t)
	echo := llmmock.NewMockBackend("local")
	monitor := &recordingMonitor{}
	o := f.orchestrator(t, Backends{Local: echo}, WithMonitor(monitor))
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	stream, err := o.ProcessQuery(ctx, "how many vacation days do I get?")
	require.NoError(t, err)
	answer, err := llm.Collect(ctx, stream)
	require.NoError(t, err)

	wantContext := strings.Join([]string{corpus[0].Text, corpus[1].Text, corpus[2].Text}, "\n")
	assert.Contains(t, answer, "---\n"+wantContext+"\n---")
	assert.Contains(t, answer, "Based on the handbook section above, how many vacation days do I get?")
	assert.NotContains(t, answer, corpus[3].Text)
	assert.NotContains(t, answer, corpus[4].Text)

	assert.Equal(t, []string{"start", "retrieved", "backend:local", "finish"}, monitor.Events())
	assert.Equal(t, 3, monitor.retrieved)
	assert.NoError(t, monitor.finishErr)
}

func TestProcessQuery_LeaveQuestionGrounding(t *testing.T) {
	f := newFixture(t)
	leave := core.NewPassage("handbook.pdf", 0, "Employees may take 15 paid leave days per year.", []float32{1, 0, 0})
	f.ingestFn = func(ctx context.Context) (any, error) {
		return 1, f.store.Upsert(ctx, leave, corpus[3], corpus[4])
	}
	echo := llmmock.NewMockBackend("local")
	o := f.orchestrator(t, Backends{Local: echo}, WithTopK(1))
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	question := "How many days can I leave the office?"
	stream, err := o.ProcessQuery(ctx, question)
	require.NoError(t, err)
	answer, err := llm.Collect(ctx, stream)
	require.NoError(t, err)

	assert.Equal(t, BuildPrompt(question, []string{leave.Text}), answer)
	assert.Contains(t, answer, "---\nEmployees may take 15 paid leave days per year.\n---")
	assert.Contains(t, answer, question)
	assert.Equal(t, 1, echo.GenerateCount())
}

func TestProcessQuery_TopK(t *testing.T) {
	f := newFixture(t)
	echo := llmmock.NewMockBackend("local")
	o := f.orchestrator(t, Backends{Local: echo}, WithTopK(1))
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	stream, err := o.ProcessQuery(ctx, "vacation?")
	require.NoError(t, err)
	answer, err := llm.Collect(ctx, stream)
	require.NoError(t, err)
	assert.Contains(t, answer, "---\n"+corpus[0].Text+"\n---")
}

func TestProcessQuery_FallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	localErr := errors.New("local model failed to load weights")

	t.Run("local fails before output", func(t *testing.T) {
		f := newFixture(t)
		local := llmmock.NewFailingBackend("local", localErr)
		remote := llmmock.NewScriptedBackend("remote", "You get ", "20 days.")
		monitor := &recordingMonitor{}
		o := f.orchestrator(t, Backends{Local: local, Remote: remote}, WithMonitor(monitor))
		require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

		stream, err := o.ProcessQuery(ctx, "vacation?")
		require.NoError(t, err)
		chunks := collectChunks(t, stream)

		assert.Equal(t, []llm.Chunk{llm.Data("You get "), llm.Data("20 days."), {Kind: llm.ChunkEnd}}, chunks)
		assert.Equal(t, local.Prompts(), remote.Prompts())
		assert.Contains(t, monitor.Events(), "fallback:local->remote")
	})

	t.Run("local fails mid-stream", func(t *testing.T) {
		f := newFixture(t)
		local := llmmock.NewFailingBackend("local", localErr, "You g")
		remote := llmmock.NewScriptedBackend("remote", "You get 20 days.")
		o := f.orchestrator(t, Backends{Local: local, Remote: remote})
		require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

		stream, err := o.ProcessQuery(ctx, "vacation?")
		require.NoError(t, err)
		chunks := collectChunks(t, stream)

		require.Len(t, chunks, 4)
		assert.Equal(t, llm.Data("You g"), chunks[0])
		assert.Equal(t, llm.ChunkRestart, chunks[1].Kind)
		assert.Equal(t, llm.Data("You get 20 days."), chunks[2])
		assert.Equal(t, llm.ChunkEnd, chunks[3].Kind)

		stream, err = o.ProcessQuery(ctx, "vacation?")
		require.NoError(t, err)
		answer, err := llm.Collect(ctx, stream)
		require.NoError(t, err)
		assert.Equal(t, "You get 20 days.", answer)
	})

	t.Run("both fail surfaces local error", func(t *testing.T) {
		f := newFixture(t)
		remoteErr := errors.New("remote quota exceeded")
		local := llmmock.NewFailingBackend("local", localErr, "partial")
		remote := llmmock.NewFailingBackend("remote", remoteErr)
		monitor := &recordingMonitor{}
		o := f.orchestrator(t, Backends{Local: local, Remote: remote}, WithMonitor(monitor))
		require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

		stream, err := o.ProcessQuery(ctx, "vacation?")
		require.NoError(t, err)
		_, err = llm.Collect(ctx, stream)
		assert.ErrorIs(t, err, localErr)
		assert.NotErrorIs(t, err, remoteErr)
		assert.ErrorIs(t, err, llm.ErrGenerationFailed)
		assert.Equal(t, 1, remote.GenerateCount())
		assert.ErrorIs(t, monitor.finishErr, localErr)
	})

	t.Run("remote load failure also surfaces local error", func(t *testing.T) {
		f := newFixture(t)
		local := llmmock.NewFailingBackend("local", localErr)
		remote := llmmock.NewMockBackend("remote")
		remote.LoadFunc = func(ctx context.Context) error { return errors.New("missing api key") }
		o := f.orchestrator(t, Backends{Local: local, Remote: remote})
		require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

		stream, err := o.ProcessQuery(ctx, "vacation?")
		require.NoError(t, err)
		_, err = llm.Collect(ctx, stream)
		assert.ErrorIs(t, err, localErr)
	})
}

func TestProcessQuery_LocalWithoutRemoteHasNoFallback(t *testing.T) {
	f := newFixture(t)
	localErr := errors.New("engine crashed")
	o := f.orchestrator(t, Backends{Local: llmmock.NewFailingBackend("local", localErr)})
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	stream, err := o.ProcessQuery(ctx, "vacation?")
	require.NoError(t, err)
	_, err = llm.Collect(ctx, stream)
	assert.ErrorIs(t, err, localErr)
}

func TestProcessQuery_PreferredRemoteDoesNotFallBack(t *testing.T) {
	f := newFixture(t)
	remoteErr := errors.New("remote unavailable")
	local := llmmock.NewScriptedBackend("local", "should not run")
	remote := llmmock.NewFailingBackend("remote", remoteErr)
	o := f.orchestrator(t, Backends{Local: local, Remote: remote}, WithPreference(llm.Remote))
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	assert.Same(t, remote, o.Primary())

	stream, err := o.ProcessQuery(ctx, "vacation?")
	require.NoError(t, err)
	_, err = llm.Collect(ctx, stream)
	assert.ErrorIs(t, err, remoteErr)
	assert.Zero(t, local.GenerateCount())
	assert.Zero(t, local.LoadCount())
}

func TestProcessQuery_ConsumerMayAbandonStream(t *testing.T) {
	f := newFixture(t)
	local := llmmock.NewMockBackend("local")
	local.GenerateFunc = func(ctx context.Context, prompt string) (*llm.Stream, error) {
		return llm.NewStream(ctx, func(ctx context.Context, emit llm.Emit) error {
			for {
				if !emit(llm.Data("token ")) {
					return ctx.Err()
				}
			}
		}), nil
	}
	o := f.orchestrator(t, Backends{Local: local})
	ctx := context.Background()
	require.NoError(t, o.EnsureEmbeddings(ctx, "handbook.pdf"))

	stream, err := o.ProcessQuery(ctx, "vacation?")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		c, err := stream.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "token ", c.Text)
	}

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close deadlocked")
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("what about {context}?", []string{"a", "b"})
	assert.Contains(t, prompt, "---\na\nb\n---")
	assert.Contains(t, prompt, "Based on the handbook section above, what about {context}?")
	assert.True(t, strings.HasSuffix(prompt, "<|im_start|>assistant"))
}
