package protocol

import (
	"bytes"
	"errors"
)

// MaxRecordSize bounds the unterminated tail a Decoder keeps between reads.
const MaxRecordSize = 1 << 20

// shrinkCapacity is the smallest buffer a Decoder releases once it is
// mostly empty.
const shrinkCapacity = 64 * 1024

var ErrRecordTooLarge = errors.New("record exceeds maximum size")

// Decoder decodes a byte stream that arrives in arbitrary chunks.
// It is not safe for concurrent use; use one per connection.
type Decoder struct {
	pending []byte
	// discarding is set after an oversized record was dropped; bytes are
	// skipped up to and including its terminator.
	discarding bool
}

// Feed appends chunk to the pending bytes and decodes every record whose
// terminator has arrived. The unterminated tail is kept for the next call.
func (d *Decoder) Feed(chunk []byte) ([]Record, []error) {
	if d.discarding {
		i := bytes.IndexByte(chunk, Terminator)
		if i < 0 {
			return nil, nil
		}
		d.discarding = false
		chunk = chunk[i+1:]
	}
	d.pending = append(d.pending, chunk...)

	end := bytes.LastIndexByte(d.pending, Terminator)
	if end < 0 {
		if len(d.pending) > MaxRecordSize {
			d.pending = nil
			d.discarding = true
			return nil, []error{ErrRecordTooLarge}
		}
		return nil, nil
	}

	records, errs := Decode(d.pending[:end+1])

	rest := len(d.pending) - (end + 1)
	if cap(d.pending) > shrinkCapacity && rest < cap(d.pending)/4 {
		d.pending = append([]byte(nil), d.pending[end+1:]...)
	} else {
		copy(d.pending, d.pending[end+1:])
		d.pending = d.pending[:rest]
	}
	return records, errs
}

// Pending returns the number of buffered bytes without a terminator yet.
func (d *Decoder) Pending() int {
	return len(d.pending)
}
