// Package llm defines text-generation backends and the chunk streams they
// produce.
//
// A Stream is pulled with Next until a terminal chunk (End or Error) arrives.
// Consumers that stop early must call Close, which cancels the producer.
//
//	stream, err := backend.Generate(ctx, prompt)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Next(ctx)
//	    if err != nil {
//	        break // io.EOF after the terminal chunk
//	    }
//	    ...
//	}
//
// Implementations live in llm/local (self-hosted Ollama or llama.cpp server),
// llm/remote (OpenAI-compatible hosted API) and llm/mock.
package llm
