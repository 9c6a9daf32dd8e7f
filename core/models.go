package core

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for stored passages.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// PassageID derives the identity of a passage from its position in a source document.
// Re-ingesting the same document yields the same IDs, so upserts overwrite.
func PassageID(source string, index int, text string) ID {
	return IDFromContent(source + ":" + strconv.Itoa(index) + ":" + text)
}

// Passage is a bounded text chunk of an ingested document together with its embedding.
type Passage struct {
	Id         ID
	Source     string    // Document the passage was extracted from
	Index      int       // Position of the passage within Source
	Text       string    // Passage text handed to the generator as context
	Vector     []float32 // Embedding vector used for similarity search
	InsertedAt time.Time // When the passage was written to the store
}

// NewPassage builds a passage with a content-derived ID.
func NewPassage(source string, index int, text string, vector []float32) *Passage {
	return &Passage{
		Id:     PassageID(source, index, text),
		Source: source,
		Index:  index,
		Text:   text,
		Vector: vector,
	}
}

// SearchResult represents a retrieved passage and its similarity to the query.
type SearchResult struct {
	Passage *Passage
	Score   float32
}
