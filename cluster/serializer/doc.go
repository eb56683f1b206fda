// Package serializer converts Messages to and from frame bodies.
//
// Two implementations exist: JSON (the default, text-encoded and readable
// on the wire) and gob (smaller frames for homogeneous clusters). The
// serializer only encodes the envelope; the payload inside stays the JSON
// document the checksum was computed over, regardless of implementation.
package serializer
