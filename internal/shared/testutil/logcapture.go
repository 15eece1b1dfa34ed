// Package testutil provides log capture and assertions for tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogRecord is one captured log call with its attributes flattened.
// Group members appear as "group.key" and LogValuers are resolved.
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// String renders the record for substring assertions.
func (r LogRecord) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Level, r.Message)
	for k, v := range r.Attrs {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

type recordStore struct {
	mu      sync.Mutex
	records []LogRecord
}

// BufferedHandler captures every record at every level.
type BufferedHandler struct {
	store  *recordStore
	attrs  []slog.Attr
	prefix string
	t      *testing.T
}

// NewBufferedHandler creates a handler. When t is non-nil records are also
// written to the test log.
func NewBufferedHandler(t *testing.T) *BufferedHandler {
	return &BufferedHandler{store: &recordStore{}, t: t}
}

// NewTestLogger creates a logger backed by a BufferedHandler.
func NewTestLogger(t *testing.T) (*slog.Logger, *BufferedHandler) {
	h := NewBufferedHandler(t)
	return slog.New(h), h
}

func (h *BufferedHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *BufferedHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		flatten(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})

	rec := LogRecord{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs}

	h.store.mu.Lock()
	h.store.records = append(h.store.records, rec)
	h.store.mu.Unlock()

	if h.t != nil {
		h.t.Log(rec.String())
	}
	return nil
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	dst[prefix+a.Key] = v.Any()
}

// Records returns a copy of the captured records.
func (h *BufferedHandler) Records() []LogRecord {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	out := make([]LogRecord, len(h.store.records))
	copy(out, h.store.records)
	return out
}

// RecordsAt returns the records logged at level.
func (h *BufferedHandler) RecordsAt(level slog.Level) []LogRecord {
	var out []LogRecord
	for _, r := range h.Records() {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the first record whose message contains msg.
func (h *BufferedHandler) Find(msg string) (LogRecord, bool) {
	for _, r := range h.Records() {
		if strings.Contains(r.Message, msg) {
			return r, true
		}
	}
	return LogRecord{}, false
}

// AssertLogged fails the test unless a record at level contains msg.
func AssertLogged(t *testing.T, h *BufferedHandler, level slog.Level, msg string) {
	t.Helper()
	for _, r := range h.RecordsAt(level) {
		if strings.Contains(r.Message, msg) {
			return
		}
	}
	t.Errorf("no %s record containing %q", level, msg)
	for _, r := range h.Records() {
		t.Logf("  %s", r)
	}
}

// AssertNoSecret fails the test if any record mentions secret.
func AssertNoSecret(t *testing.T, h *BufferedHandler, secret string) {
	t.Helper()
	for _, r := range h.Records() {
		if strings.Contains(r.String(), secret) {
			t.Errorf("secret leaked into log record: %s", r.Message)
		}
	}
}
