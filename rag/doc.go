// Package rag answers questions grounded in an ingested handbook.
//
// The Orchestrator owns the corpus lifecycle and the query path:
//
//   - EnsureEmbeddings ingests a document through the task queue when the
//     corpus is empty and blocks until it is searchable. Concurrent callers
//     share one ingestion.
//   - ProcessQuery embeds the question, retrieves the closest passages,
//     places them in a fixed grounding prompt and streams the answer of the
//     preferred generation backend.
//
// When the local backend is preferred and fails, the same prompt is retried
// on the remote backend. Text already streamed is not retracted; a restart
// chunk marks where the second attempt begins. If both fail, the local error
// is reported.
package rag
