// Package reembed recomputes the vector of every stored passage with the
// currently configured embedding model.
//
// Passages are visited in batches through PassageStore.Scan, embedded with
// retries and exponential backoff, normalized to unit length and written back
// with Upsert. Progress is reported to a writer as the run advances.
package reembed
