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


// Package storage provides the storage abstraction layer for handbook.
//
// This package defines the PassageStore interface that decouples the vector
// store from retrieval and ingestion logic. Three backends implement it:
//
//   - storage/badger: embedded BadgerDB store with brute-force cosine search
//   - storage/qdrant: Qdrant collection accessed over its REST API
//   - storage/pgvector: PostgreSQL table with a pgvector column
//
// # Constructor Return Type Pattern
//
// Public constructors return the storage.PassageStore interface to keep
// callers from coupling to a particular backend:
//
//	store, err := badger.NewPassageStore(backend, "handbook")  // returns storage.PassageStore
//
// Package-internal constructors may return concrete types.
//
// # Collections
//
// Every store is scoped to a single named collection. Count reports the
// number of passages in that collection only, which is what callers use to
// decide whether a document has been ingested yet.
//
// # Thread Safety
//
// All store implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
