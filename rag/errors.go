// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rag

import "errors"

var (
	// ErrNoCorpus is returned when a query arrives before any document was ingested.
	ErrNoCorpus = errors.New("no embeddings available, ingest a document first")

	// ErrIngestionFailed wraps the failure of an ingestion awaited by EnsureEmbeddings.
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrEmptyQuestion is returned for blank questions.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrStoreRequired is returned when a passage store is not provided.
	ErrStoreRequired = errors.New("passage store required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrQueueRequired is returned when a task queue or ingest function is not provided.
	ErrQueueRequired = errors.New("task queue and ingest function required")

	// ErrBackendRequired is returned when the preferred backend is not provided.
	ErrBackendRequired = errors.New("preferred generation backend required")
)
