package logbuf

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRingOverflowDropsOldest(t *testing.T) {
	r := NewRing(3)

	for i := 0; i < 5; i++ {
		r.Append(Record{Message: fmt.Sprintf("msg-%d", i)})
	}

	if r.Len() != 3 {
		t.Fatalf("expect 3 records, got %d", r.Len())
	}
	recs := r.Recent(0)
	want := []string{"msg-2", "msg-3", "msg-4"}
	for i, w := range want {
		if recs[i].Message != w {
			t.Fatalf("expect %s at %d, got %s", w, i, recs[i].Message)
		}
	}
}

func TestRecentSubset(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 4; i++ {
		r.Append(Record{Message: fmt.Sprintf("msg-%d", i)})
	}

	recs := r.Recent(2)
	if len(recs) != 2 {
		t.Fatalf("expect 2 records, got %d", len(recs))
	}
	if recs[0].Message != "msg-2" || recs[1].Message != "msg-3" {
		t.Fatalf("expect newest two oldest-first, got %v", recs)
	}
}

func TestCoreCapturesEntries(t *testing.T) {
	ring := NewRing(16)
	logger := zap.New(NewCore(ring, zapcore.DebugLevel)).Named("transport")

	logger.Info("connected", zap.String("addr", "127.0.0.1:9000"))
	logger.Warn("slow reply", zap.Int("ms", 250))

	if ring.Len() != 2 {
		t.Fatalf("expect 2 records, got %d", ring.Len())
	}
	recs := ring.Recent(0)
	if recs[0].Logger != "transport" {
		t.Fatalf("expect logger name transport, got %q", recs[0].Logger)
	}
	if recs[0].Fields["addr"] != "127.0.0.1:9000" {
		t.Fatalf("expect addr field, got %v", recs[0].Fields)
	}
	if recs[1].Level != zapcore.WarnLevel {
		t.Fatalf("expect warn level, got %v", recs[1].Level)
	}
}

func TestCoreWithFieldsAccumulate(t *testing.T) {
	ring := NewRing(16)
	logger := zap.New(NewCore(ring, zapcore.DebugLevel))

	child := logger.With(zap.String("conn_id", "abc"))
	child.Info("ping")

	recs := ring.Recent(0)
	if len(recs) != 1 {
		t.Fatalf("expect 1 record, got %d", len(recs))
	}
	if recs[0].Fields["conn_id"] != "abc" {
		t.Fatalf("With field lost: %v", recs[0].Fields)
	}
}

func TestCoreLevelFloor(t *testing.T) {
	ring := NewRing(16)
	logger := zap.New(NewCore(ring, zapcore.WarnLevel))

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Error("kept")

	if ring.Len() != 1 {
		t.Fatalf("expect 1 record, got %d", ring.Len())
	}
	if ring.Recent(0)[0].Message != "kept" {
		t.Fatalf("wrong record kept: %v", ring.Recent(0))
	}
}

func TestAttachTee(t *testing.T) {
	ring := NewRing(16)
	base := zap.NewNop()
	logger := Attach(base, ring, zapcore.DebugLevel)

	logger.Info("through the tee")

	if ring.Len() != 1 {
		t.Fatalf("expect 1 record through tee, got %d", ring.Len())
	}
}
