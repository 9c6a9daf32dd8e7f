// Package mock provides test doubles for the ai package.
//
//	embedder := mock.NewMockEmbedder()
//	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
//	    return []float32{1, 0, 0}, nil
//	}
//	count := embedder.CallCount()
//
// With no injected behavior, MockEmbedder returns deterministic unit vectors
// derived from a hash of the text, so equal texts embed identically.
package mock
