// Package protocol implements the producer wire format of the relay.
//
// # Format
//
// A producer connection is a stream of records, each terminated by a null
// byte:
//
//	type|stream|source|payload\0
//
// The payload is everything after the third pipe, so it may itself contain
// pipes:
//
//	+msg|web|host1|GET /a|200\0
//
// decodes to stream "web", source "host1" and payload "GET /a|200".
//
// # Types
//
//   - +msg: a log line belonging to the input (stream, source)
//   - +input: the input (stream, source) came online
//   - -input: the input (stream, source) went offline
//
// Any other type is reported as an error and the record is skipped. One bad
// record never stops the rest of a batch from being decoded.
//
// # Framing
//
// Decode works on a complete batch: the fragment after the last null byte is
// ignored. Decoder keeps that fragment between reads so a record split
// across several TCP segments is decoded once its terminator arrives.
package protocol
