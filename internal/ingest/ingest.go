package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"logrelay/internal/protocol"
	"logrelay/internal/sink"
)

// DefaultStream is used when an entry has no logger.
const DefaultStream = "_"

// Batch is the body accepted by the structured log endpoint.
type Batch struct {
	Logs []Entry `json:"logs"`
	// Skipped counts entries that were not JSON objects.
	Skipped int `json:"-"`
}

// UnmarshalJSON decodes entries one by one so a bad entry only loses itself.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Logs []json.RawMessage `json:"logs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Logs = make([]Entry, 0, len(raw.Logs))
	b.Skipped = 0
	for i, msg := range raw.Logs {
		var entry Entry
		if err := json.Unmarshal(msg, &entry); err != nil {
			slog.Warn("Skipping structured log entry", "index", i, "error", err)
			b.Skipped++
			continue
		}
		b.Logs = append(b.Logs, entry)
	}
	return nil
}

// Entry is one structured log line sent by a client application. Clients
// disagree on field types (numeric levels, stacktraces as arrays), so every
// field accepts any JSON value and is rendered as text.
type Entry struct {
	Level      any `json:"level"`
	Count      any `json:"count"`
	Mobile     any `json:"mobile"`
	Logger     any `json:"logger"`
	Msg        any `json:"msg"`
	Ts         any `json:"ts"`
	Stacktrace any `json:"stacktrace"`
}

// SinkMessage is the JSON object forwarded to the collector per entry.
type SinkMessage struct {
	Level       any      `json:"level,omitempty"`
	Count       any      `json:"count,omitempty"`
	Mobile      any      `json:"mobile,omitempty"`
	Child       any      `json:"child,omitempty"`
	Timestamp   string   `json:"@timestamp"`
	Application string   `json:"application"`
	Tags        []string `json:"tags"`
	Message     any      `json:"message,omitempty"`
	Ts          any      `json:"ts,omitempty"`
	Stacktrace  any      `json:"stacktrace,omitempty"`
}

// Dispatcher receives the records built from each entry.
type Dispatcher interface {
	Dispatch(rec protocol.Record) error
}

// Enqueuer receives the sink message built from each entry.
type Enqueuer interface {
	Enqueue(msg any)
}

// Ingestor feeds structured log batches to the router and the sink.
type Ingestor struct {
	dispatcher  Dispatcher
	sink        Enqueuer // nil when forwarding is disabled
	application string
	tags        []string
	now         func() time.Time
}

func New(dispatcher Dispatcher, sink Enqueuer, application string, tags []string) *Ingestor {
	return &Ingestor{
		dispatcher:  dispatcher,
		sink:        sink,
		application: application,
		tags:        tags,
		now:         time.Now,
	}
}

// Ingest handles every entry of batch and returns the number of records
// dispatched. clientIP identifies the sender.
func (i *Ingestor) Ingest(batch Batch, clientIP string) int {
	n := 0
	for _, entry := range batch.Logs {
		if i.sink != nil {
			i.sink.Enqueue(i.SinkMessage(entry))
		}
		for _, rec := range Records(entry, clientIP) {
			if err := i.dispatcher.Dispatch(rec); err != nil {
				slog.Error("Failed to dispatch structured log", "error", err)
				continue
			}
			n++
		}
	}
	return n
}

// SinkMessage converts entry into the object sent to the collector.
func (i *Ingestor) SinkMessage(entry Entry) SinkMessage {
	return SinkMessage{
		Level:       entry.Level,
		Count:       entry.Count,
		Mobile:      entry.Mobile,
		Child:       entry.Logger,
		Timestamp:   i.now().UTC().Format(sink.TimestampLayout),
		Application: i.application,
		Tags:        i.tags,
		Message:     entry.Msg,
		Ts:          entry.Ts,
		Stacktrace:  entry.Stacktrace,
	}
}

// Records converts entry into one "+msg" record, plus a second one carrying
// the stacktrace when present.
func Records(entry Entry, clientIP string) []protocol.Record {
	stream := sanitize(text(entry.Logger))
	if stream == "" {
		stream = DefaultStream
	}
	source := sanitize(Source(text(entry.Mobile), clientIP))

	records := []protocol.Record{{
		Type:    protocol.TypeMessage,
		Stream:  stream,
		Source:  source,
		Payload: fmt.Sprintf("%s [ %s  ]  - %s", text(entry.Count), text(entry.Level), text(entry.Msg)),
	}}
	if stacktrace := text(entry.Stacktrace); stacktrace != "" {
		records = append(records, protocol.Record{
			Type:    protocol.TypeMessage,
			Stream:  stream,
			Source:  source,
			Payload: stacktrace,
		})
	}
	return records
}

// Source identifies a client by its optional device number and address.
func Source(mobile, clientIP string) string {
	if mobile == "" {
		return clientIP
	}
	return strings.Replace(mobile, "+", "", 1) + "_" + clientIP
}

var fieldReplacer = strings.NewReplacer(protocol.Separator, "_", string(protocol.Terminator), "_")

func sanitize(field string) string {
	return fieldReplacer.Replace(field)
}

func text(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool, json.Number:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
