// Package server exposes the handbook assistant over HTTP.
//
// Routes:
//
//	GET  /healthz               queue state and corpus size (no auth)
//	POST /v1/embed              upload a PDF and wait until it is searchable
//	POST /v1/ingest             submit an ingestion by path, returns a job id
//	GET  /v1/jobs/:id           status of a submitted ingestion
//	POST /v1/chat/completions   OpenAI-style streaming chat
//	POST /query                 single question, streamed or complete
//
// Streamed answers are server-sent events. A named "restart" event marks the
// point where generation was retried on the fallback backend.
package server
