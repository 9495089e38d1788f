package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Message types understood by the relay.
const (
	TypeMessage    = "+msg"
	TypeInputAdd   = "+input"
	TypeInputDel   = "-input"
	TypeInputAlive = "+ping" // relay -> viewer only
)

const (
	// Terminator ends every record on the wire.
	Terminator = '\x00'
	// Separator splits the fields of a record.
	Separator = "|"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed record")
)

// Record is one decoded wire message.
type Record struct {
	Type    string
	Stream  string
	Source  string
	Payload string
}

// String returns the record in its pipe-delimited form without terminator.
func (r Record) String() string {
	return string(r.fields())
}

// DecodeError describes a record that was dropped while decoding a batch.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64] + "..."
	}
	return fmt.Sprintf("%v: %q", e.Err, raw)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Known reports whether t is a type producers may send.
func Known(t string) bool {
	switch t {
	case TypeMessage, TypeInputAdd, TypeInputDel:
		return true
	}
	return false
}

// Decode splits a batch into records. The fragment after the last
// terminator is ignored. Blank records are skipped silently, bad ones are
// reported in errs and skipped.
func Decode(data []byte) (records []Record, errs []error) {
	parts := strings.Split(string(data), string(Terminator))
	for _, raw := range parts[:len(parts)-1] {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		rec, err := parseRecord(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

func parseRecord(raw string) (Record, error) {
	fields := strings.SplitN(raw, Separator, 4)
	if !Known(fields[0]) {
		return Record{}, &DecodeError{Raw: raw, Err: ErrUnknownType}
	}
	if len(fields) < 3 {
		return Record{}, &DecodeError{Raw: raw, Err: ErrMalformed}
	}
	rec := Record{
		Type:   fields[0],
		Stream: fields[1],
		Source: fields[2],
	}
	if len(fields) == 4 {
		rec.Payload = fields[3]
	}
	return rec, nil
}

// Encode returns r in wire form, terminator included.
func Encode(r Record) []byte {
	return append(r.fields(), Terminator)
}

func (r Record) fields() []byte {
	var b strings.Builder
	b.WriteString(r.Type)
	b.WriteString(Separator)
	b.WriteString(r.Stream)
	b.WriteString(Separator)
	b.WriteString(r.Source)
	if r.Type == TypeMessage {
		b.WriteString(Separator)
		b.WriteString(r.Payload)
	}
	return []byte(b.String())
}
