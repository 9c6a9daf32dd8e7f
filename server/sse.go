package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/poiesic/handbook/llm"
)

// framer renders stream chunks as server-sent event payloads.
type framer interface {
	data(text string) any
	end() any
}

// restartEvent is sent as a named event so plain data consumers can ignore it.
const restartEvent = "event: restart\ndata: {}\n\n"

const doneFrame = "data: [DONE]\n\n"

type chatDelta struct {
	Content string `json:"content,omitempty"`
}

type chatChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// chatFramer produces OpenAI chat.completion.chunk frames.
type chatFramer struct {
	id      string
	created int64
	model   string
}

func newChatFramer(model string) *chatFramer {
	return &chatFramer{
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
	}
}

func (f *chatFramer) chunk(delta chatDelta, finish *string) chatChunk {
	return chatChunk{
		ID:      f.id,
		Object:  "chat.completion.chunk",
		Created: f.created,
		Model:   f.model,
		Choices: []chatChoice{{Delta: delta, FinishReason: finish}},
	}
}

func (f *chatFramer) data(text string) any {
	return f.chunk(chatDelta{Content: text}, nil)
}

func (f *chatFramer) end() any {
	stop := "stop"
	return f.chunk(chatDelta{}, &stop)
}

type queryFrame struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// queryFramer produces the compact frames of POST /query.
type queryFramer struct{}

func (queryFramer) data(text string) any { return queryFrame{Text: text} }
func (queryFramer) end() any             { return queryFrame{Done: true} }

func writeFrame(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}

// streamSSE answers with the chunks of stream as server-sent events. The
// stream is drained after the handler returns; cancel is called when the
// client goes away or the stream ends.
func (s *Server) streamSSE(ctx context.Context, cancel context.CancelFunc, c *fiber.Ctx, stream *llm.Stream, f framer) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer stream.Close()

		if err := s.pump(ctx, w, stream, f); err != nil {
			s.logger.Debug("stream aborted", "err", err)
		}
	})
	return nil
}

func (s *Server) pump(ctx context.Context, w *bufio.Writer, stream *llm.Stream, f framer) error {
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return writeFrame(w, errorBody{Error: errorDetail{Message: err.Error(), Type: "internal_error"}})
		}

		switch chunk.Kind {
		case llm.ChunkData:
			err = writeFrame(w, f.data(chunk.Text))
		case llm.ChunkRestart:
			if _, err = w.WriteString(restartEvent); err == nil {
				err = w.Flush()
			}
		case llm.ChunkEnd:
			if err = writeFrame(w, f.end()); err == nil {
				if _, err = w.WriteString(doneFrame); err == nil {
					err = w.Flush()
				}
			}
			return err
		case llm.ChunkError:
			s.logger.Error("generation failed", "err", chunk.Err)
			_, kind := statusFor(chunk.Err)
			return writeFrame(w, errorBody{Error: errorDetail{Message: chunk.Err.Error(), Type: kind}})
		}
		if err != nil {
			return err
		}
	}
}
