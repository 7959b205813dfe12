// Package document defines the values exchanged with the remote document
// store: documents, collection snapshots, and equality filters.
//
// Payloads are JSON-shaped (map[string]any with string, number, bool, null,
// array, and object values). Comparison and deduplication go through
// canonical JSON (sorted keys in UTF-16 order, NFC-normalized strings, no HTML
// escaping) so two payloads that decode to the same JSON value compare equal
// regardless of Go representation (int vs float64, map iteration order).
package document
