// Package checkpoint persists per-job progress: the last successful fire time,
// an opaque resumption offset, and a small free-form state blob.
//
// The default "file" driver keeps every job in one JSON object and replaces the
// file atomically (temp file in the same directory + rename), so readers always
// see either the previous or the new mapping, never a torn write.
package checkpoint
