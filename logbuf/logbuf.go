// Package logbuf keeps a bounded in-memory ring of recent diagnostic
// records for post-mortem inspection.
//
// The ring plugs into zap as an ordinary zapcore.Core, so it can be teed
// next to a console or file core and capture everything the process logs.
// It is a terminal sink: appending never emits diagnostics of its own, so
// the RPC subsystem's loggers can point at it without any risk of the
// sink's activity feeding back into the sink.
package logbuf

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Record is one captured diagnostic event.
type Record struct {
	Time    time.Time
	Level   zapcore.Level
	Logger  string
	Message string
	Fields  map[string]any
}

// Ring is a fixed-capacity buffer of records. When full, Append overwrites
// the oldest record. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []Record
	start int // index of the oldest record
	n     int
}

const DefaultCapacity = 256

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Record, capacity)}
}

func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	// Full: drop the oldest by overwriting it.
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring) Cap() int {
	return len(r.buf)
}

// Recent returns up to n of the most recent records, oldest first. n <= 0
// means all of them.
func (r *Ring) Recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.n-n+i)%len(r.buf)]
	}
	return out
}

// core adapts a Ring to zapcore.Core.
type core struct {
	ring *Ring
	min  zapcore.LevelEnabler
	with []zapcore.Field
}

// NewCore returns a zapcore.Core that appends every enabled entry to ring.
// min defaults to Debug so the ring sees more than the console does.
func NewCore(ring *Ring, min zapcore.LevelEnabler) zapcore.Core {
	if min == nil {
		min = zapcore.DebugLevel
	}
	return &core{ring: ring, min: min}
}

func (c *core) Enabled(l zapcore.Level) bool {
	return c.min.Enabled(l)
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := &core{ring: c.ring, min: c.min}
	clone.with = append(append([]zapcore.Field(nil), c.with...), fields...)
	return clone
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.with {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	c.ring.Append(Record{
		Time:    ent.Time,
		Level:   ent.Level,
		Logger:  ent.LoggerName,
		Message: ent.Message,
		Fields:  enc.Fields,
	})
	return nil
}

func (c *core) Sync() error {
	return nil
}

// Attach tees ring onto an existing logger, capturing everything the
// logger emits from here on.
func Attach(logger *zap.Logger, ring *Ring, min zapcore.LevelEnabler) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(base zapcore.Core) zapcore.Core {
		return zapcore.NewTee(base, NewCore(ring, min))
	}))
}
