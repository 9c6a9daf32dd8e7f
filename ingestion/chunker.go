package ingestion

import "strings"

// DefaultChunkSize is the character budget of one passage.
const DefaultChunkSize = 512

// Chunker splits page text into word-aligned passages.
type Chunker struct {
	Size int
}

// Split breaks every page into passages of at most Size characters,
// counting one separator per word. Chunks never span pages. A single word
// longer than Size becomes its own passage.
func (c Chunker) Split(pages []string) []string {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []string
	for _, page := range pages {
		var current []string
		currentSize := 0
		for _, word := range strings.Fields(page) {
			if currentSize+len(word) > size && len(current) > 0 {
				chunks = append(chunks, strings.Join(current, " "))
				current = current[:0]
				currentSize = 0
			}
			current = append(current, word)
			currentSize += len(word) + 1
		}
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
		}
	}
	return chunks
}
