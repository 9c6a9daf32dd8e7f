package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ChunkKind tags a Chunk.
type ChunkKind int

const (
	// ChunkData carries a fragment of generated text.
	ChunkData ChunkKind = iota
	// ChunkEnd marks successful completion.
	ChunkEnd
	// ChunkError marks failure; Err holds the cause.
	ChunkError
	// ChunkRestart means text yielded so far is superseded by a new attempt.
	ChunkRestart
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkData:
		return "data"
	case ChunkEnd:
		return "end"
	case ChunkError:
		return "error"
	case ChunkRestart:
		return "restart"
	default:
		return fmt.Sprintf("ChunkKind(%d)", int(k))
	}
}

// Chunk is one element of an answer stream.
type Chunk struct {
	Kind ChunkKind
	Text string
	Err  error
}

// Data returns a data chunk.
func Data(text string) Chunk { return Chunk{Kind: ChunkData, Text: text} }

// Terminal reports whether no chunk can follow c.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkEnd || c.Kind == ChunkError
}

// Emit delivers a chunk to the consumer. It returns false once the consumer
// has closed the stream; producers must stop at that point.
type Emit func(Chunk) bool

// Producer writes data and restart chunks through emit. Returning nil ends
// the stream with End; returning an error ends it with Error.
type Producer func(ctx context.Context, emit Emit) error

// Stream is a forward-only sequence of chunks fed by a producer goroutine.
// It is not safe for concurrent consumers, but Close may be called from any
// goroutine.
type Stream struct {
	ch       chan Chunk
	cancel   context.CancelFunc
	done     chan struct{}
	finished atomic.Bool
	closed   atomic.Bool
	once     sync.Once
}

// NewStream starts produce on its own goroutine. The producer context is
// cancelled when ctx ends or the stream is closed.
func NewStream(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ch:     make(chan Chunk),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)

		emit := func(c Chunk) bool {
			select {
			case s.ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := produce(ctx, emit)
		switch {
		case err == nil:
			emit(Chunk{Kind: ChunkEnd})
		case errors.Is(err, ErrGenerationFailed):
			emit(Chunk{Kind: ChunkError, Err: err})
		default:
			emit(Chunk{Kind: ChunkError, Err: fmt.Errorf("%w: %w", ErrGenerationFailed, err)})
		}
	}()
	return s
}

// Next blocks for the next chunk. After the terminal chunk has been
// returned, Next returns io.EOF.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.closed.Load() {
		return Chunk{}, ErrStreamClosed
	}
	if s.finished.Load() {
		return Chunk{}, io.EOF
	}

	select {
	case c, ok := <-s.ch:
		if !ok {
			// Producer context was cancelled before the terminal chunk was delivered.
			s.finished.Store(true)
			return Chunk{Kind: ChunkError, Err: fmt.Errorf("%w: %w", ErrGenerationFailed, context.Canceled)}, nil
		}
		if c.Terminal() {
			s.finished.Store(true)
		}
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Close abandons the stream and waits for the producer to exit.
// It is safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.done
	})
	return nil
}

// Collect drains s and returns the answer text. Text preceding a restart
// marker is discarded. The stream is closed on return.
func Collect(ctx context.Context, s *Stream) (string, error) {
	defer s.Close()

	var sb strings.Builder
	for {
		c, err := s.Next(ctx)
		if err != nil {
			return sb.String(), err
		}
		switch c.Kind {
		case ChunkData:
			sb.WriteString(c.Text)
		case ChunkRestart:
			sb.Reset()
		case ChunkError:
			return sb.String(), c.Err
		case ChunkEnd:
			return sb.String(), nil
		}
	}
}

// FromChunks returns a stream replaying chunks followed by End, or by Error
// if err is non-nil.
func FromChunks(ctx context.Context, err error, texts ...string) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit Emit) error {
		for _, t := range texts {
			if !emit(Data(t)) {
				return ctx.Err()
			}
		}
		return err
	})
}
