// Package ingestion turns documents into embedded passages.
//
// A Pipeline extracts one text per page (PDF, plain text or markdown), splits
// pages into word-aligned passages of at most 512 characters, embeds them in
// concurrent batches on a worker pool and upserts them into a PassageStore.
//
// Ingestion is expensive, so callers normally run it on a queue.TaskQueue via
// Pipeline.Work rather than calling Ingest directly.
package ingestion
