package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_DataThenEnd(t *testing.T) {
	ctx := context.Background()
	s := FromChunks(ctx, nil, "Employees ", "get ", "20 days.")
	defer s.Close()

	var kinds []ChunkKind
	var text string
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, c.Kind)
		text += c.Text
	}

	assert.Equal(t, []ChunkKind{ChunkData, ChunkData, ChunkData, ChunkEnd}, kinds)
	assert.Equal(t, "Employees get 20 days.", text)
}

func TestStream_ProducerErrorBecomesErrorChunk(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("engine crashed")
	s := FromChunks(ctx, boom, "partial")

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Data("partial"), c)

	c, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChunkError, c.Kind)
	assert.ErrorIs(t, c.Err, ErrGenerationFailed)
	assert.ErrorIs(t, c.Err, boom)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ErrGenerationFailedNotDoubleWrapped(t *testing.T) {
	ctx := context.Background()
	cause := errors.Join(ErrGenerationFailed, errors.New("remote 500"))
	s := FromChunks(ctx, cause)

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, cause, c.Err)
}

func TestStream_CloseStopsProducer(t *testing.T) {
	exited := make(chan struct{})
	s := NewStream(context.Background(), func(ctx context.Context, emit Emit) error {
		defer close(exited)
		for {
			if !emit(Data("tok")) {
				return ctx.Err()
			}
		}
	})

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Text)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not exit after Close")
	}

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_CloseDuringNext(t *testing.T) {
	started := make(chan struct{})
	s := NewStream(context.Background(), func(ctx context.Context, emit Emit) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	type result struct {
		c   Chunk
		err error
	}
	got := make(chan result, 1)
	go func() {
		c, err := s.Next(context.Background())
		got <- result{c, err}
	}()

	<-started
	require.NoError(t, s.Close())

	select {
	case r := <-got:
		// Next either saw the close flag or drained the cancelled producer.
		if r.err != nil {
			assert.ErrorIs(t, r.err, ErrStreamClosed)
		} else {
			assert.Equal(t, ChunkError, r.c.Kind)
			assert.ErrorIs(t, r.c.Err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_NextHonoursContext(t *testing.T) {
	release := make(chan struct{})
	s := NewStream(context.Background(), func(ctx context.Context, emit Emit) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer s.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("joins data", func(t *testing.T) {
		text, err := Collect(ctx, FromChunks(ctx, nil, "a", "b"))
		require.NoError(t, err)
		assert.Equal(t, "ab", text)
	})

	t.Run("restart discards earlier text", func(t *testing.T) {
		s := NewStream(ctx, func(ctx context.Context, emit Emit) error {
			emit(Data("local partial"))
			emit(Chunk{Kind: ChunkRestart})
			emit(Data("remote answer"))
			return nil
		})
		text, err := Collect(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, "remote answer", text)
	})

	t.Run("returns error", func(t *testing.T) {
		boom := errors.New("boom")
		text, err := Collect(ctx, FromChunks(ctx, boom, "x"))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "x", text)
	})
}

func TestParsePreference(t *testing.T) {
	p, err := ParsePreference(" Local ")
	require.NoError(t, err)
	assert.Equal(t, Local, p)

	p, err = ParsePreference("remote")
	require.NoError(t, err)
	assert.Equal(t, Remote, p)

	_, err = ParsePreference("gpu")
	assert.ErrorIs(t, err, ErrUnknownPreference)
}

func TestChunkKind_String(t *testing.T) {
	assert.Equal(t, "data", ChunkData.String())
	assert.Equal(t, "restart", ChunkRestart.String())
	assert.True(t, Chunk{Kind: ChunkEnd}.Terminal())
	assert.False(t, Data("x").Terminal())
}
