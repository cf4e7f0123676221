package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapServiceLoggerDelegates(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := NewZapServiceLogger(zap.New(core))

	logger.Info("boot", LogFields{"system": "test"})

	child := logger.With(LogFields{"routing_key": "defood.orders.created"})
	child.Debug("child", LogFields{"attempt": 2})

	boom := errors.New("boom")
	child.Error("publish failed", boom, LogFields{"attempt": 3})
	child.Trace("trace", nil)

	entries := observed.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "boot" {
		t.Fatalf("unexpected first entry: %#v", entries[0])
	}
	if entries[0].ContextMap()["system"] != "test" {
		t.Fatalf("missing system field, got %#v", entries[0].ContextMap())
	}

	second := entries[1].ContextMap()
	if second["routing_key"] != "defood.orders.created" || second["attempt"] != int64(2) {
		t.Fatalf("expected merged fields on second entry, got %#v", second)
	}

	if entries[2].Level != zapcore.ErrorLevel || entries[2].ContextMap()["error"] != "boom" {
		t.Fatalf("expected error entry carrying boom, got %#v", entries[2].ContextMap())
	}

	if entries[3].Level != zapcore.DebugLevel || entries[3].ContextMap()["trace"] != true {
		t.Fatalf("expected trace mapped to debug, got %#v", entries[3])
	}
}

func TestZapServiceLoggerWithNilFieldsReturnsSelf(t *testing.T) {
	logger := NewZapServiceLogger(zap.NewNop())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the same logger")
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	tests := map[string]func(){
		"zap":       func() { NewZapServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, construct := range tests {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected %s constructor to panic on nil", name)
				}
			}()
			construct()
		})
	}
}

func TestNopServiceLoggerIsSilent(t *testing.T) {
	logger := NewNopServiceLogger()
	logger.With(LogFields{"k": "v"}).Error("ignored", errors.New("boom"), nil)
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	rec := &recorder{}
	logger := NewWatermillServiceLogger(rec)

	logger.Debug("Publishing event", LogFields{"routing_key": "defood.orders.created"})
	logger.Info("Order created", nil)
	logger.Trace("Confirm received", LogFields{"delivery_tag": 7})
	logger.Error("Publish attempt failed", errors.New("boom"), LogFields{"attempt": 2})
	logger.With(LogFields{"queue": "orders_queue"}).Info("Consuming", nil)

	want := []string{
		"debug Publishing event",
		"info Order created",
		"trace Confirm received",
		"error Publish attempt failed",
		"info Consuming",
	}
	if got := rec.lines(); !equalLines(got, want) {
		t.Fatalf("unexpected entries\n got: %v\nwant: %v", got, want)
	}
	if rec.entries[3].err == nil || rec.entries[3].fields["attempt"] != 2 {
		t.Fatalf("expected error entry to keep err and fields, got %#v", rec.entries[3])
	}
	if rec.entries[4].fields["queue"] != "orders_queue" {
		t.Fatalf("expected With fields on child entry, got %#v", rec.entries[4].fields)
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := &recorder{}
	adapter := NewWatermillAdapter(NewWatermillServiceLogger(rec))

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": "yes"}).Info("child_info", nil)

	want := []string{"debug dbg", "info info", "trace trace", "error err", "info child_info"}
	if got := rec.lines(); !equalLines(got, want) {
		t.Fatalf("unexpected entries\n got: %v\nwant: %v", got, want)
	}
	if rec.entries[4].fields["child"] != "yes" {
		t.Fatalf("expected child fields to be preserved, got %#v", rec.entries[4].fields)
	}
}

func TestToZapFieldsSortsKeys(t *testing.T) {
	if toZapFields(nil) != nil {
		t.Fatal("expected nil fields to convert to nil")
	}
	fields := toZapFields(LogFields{"queue": "orders_queue", "attempt": 1})
	if len(fields) != 2 || fields[0].Key != "attempt" || fields[1].Key != "queue" {
		t.Fatalf("expected sorted keys, got %#v", fields)
	}
}

func TestWatermillFieldConversions(t *testing.T) {
	if toWatermillFields(nil) != nil || fromWatermillFields(nil) != nil {
		t.Fatal("expected nil conversion to return nil")
	}
	lf := fromWatermillFields(toWatermillFields(LogFields{"attempt": 1}))
	if lf["attempt"].(int) != 1 {
		t.Fatalf("unexpected log fields: %#v", lf)
	}
}

func TestNewSlogServiceLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	logger.Info("Order created", LogFields{"order_id": "o-1"})

	out := buf.String()
	if !strings.Contains(out, `"msg":"Order created"`) || !strings.Contains(out, `"order_id":"o-1"`) {
		t.Fatalf("unexpected slog output: %s", out)
	}
}

// recorder is a watermill.LoggerAdapter whose children share one entry list.
type recorder struct {
	entries []recordedEntry
	parent  *recorder
	fields  watermill.LogFields
}

type recordedEntry struct {
	level  string
	msg    string
	fields watermill.LogFields
	err    error
}

func (r *recorder) root() *recorder {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *recorder) add(level, msg string, err error, fields watermill.LogFields) {
	merged := r.fields.Add(fields)
	root := r.root()
	root.entries = append(root.entries, recordedEntry{level: level, msg: msg, fields: merged, err: err})
}

func (r *recorder) Error(msg string, err error, fields watermill.LogFields) {
	r.add("error", msg, err, fields)
}
func (r *recorder) Info(msg string, fields watermill.LogFields)  { r.add("info", msg, nil, fields) }
func (r *recorder) Debug(msg string, fields watermill.LogFields) { r.add("debug", msg, nil, fields) }
func (r *recorder) Trace(msg string, fields watermill.LogFields) { r.add("trace", msg, nil, fields) }

func (r *recorder) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &recorder{parent: r, fields: r.fields.Add(fields)}
}

func (r *recorder) lines() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.level+" "+e.msg)
	}
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
