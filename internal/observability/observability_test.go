package observability

import (
	"errors"
	"testing"
)

type captureLogger struct {
	levels []string
}

func (c *captureLogger) Debug(string, ...Field) { c.levels = append(c.levels, "debug") }
func (c *captureLogger) Info(string, ...Field)  { c.levels = append(c.levels, "info") }
func (c *captureLogger) Warn(string, ...Field)  { c.levels = append(c.levels, "warn") }
func (c *captureLogger) Error(string, ...Field) { c.levels = append(c.levels, "error") }

func TestLoggerDispatchesAllLevels(t *testing.T) {
	capture := &captureLogger{}
	SetLogger(capture)
	defer SetLogger(nil)

	Log().Debug("d")
	Log().Info("i")
	Log().Warn("w")
	Log().Error("e")

	want := []string{"debug", "info", "warn", "error"}
	if len(capture.levels) != len(want) {
		t.Fatalf("recorded %d calls, want %d", len(capture.levels), len(want))
	}
	for i, level := range want {
		if capture.levels[i] != level {
			t.Fatalf("call %d = %q, want %q", i, capture.levels[i], level)
		}
	}
}

func TestWarningQueueDropsOldestAtCapacity(t *testing.T) {
	queue := NewWarningQueue(2)
	queue.Offer(Warning{Operation: "first"})
	queue.Offer(Warning{Operation: "second"})
	queue.Offer(Warning{Operation: "third"})

	if queue.Len() != 2 {
		t.Fatalf("Len = %d, want 2", queue.Len())
	}
	drained := queue.Drain()
	if drained[0].Operation != "second" || drained[1].Operation != "third" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}
	if queue.Len() != 0 {
		t.Fatal("drain should empty the queue")
	}
}

func TestWarningQueueUnboundedWhenCapacityZero(t *testing.T) {
	queue := NewWarningQueue(0)
	for i := 0; i < 100; i++ {
		queue.Offer(Warning{Operation: "op"})
	}
	if queue.Len() != 100 {
		t.Fatalf("Len = %d, want 100", queue.Len())
	}
}

func TestWarningOfferStampsTime(t *testing.T) {
	queue := NewWarningQueue(1)
	queue.Offer(Warning{Operation: "op"})
	drained := queue.Drain()
	if drained[0].OccurredAt.IsZero() {
		t.Fatal("Offer should stamp OccurredAt when unset")
	}
}

func TestRuntimeMetricsSnapshotIsCopy(t *testing.T) {
	metrics := NewRuntimeMetrics()
	metrics.RecordFill("AAPL")
	metrics.RecordFill("AAPL")
	metrics.RecordCancellation("MSFT")
	metrics.RecordTriggerEvaluation("AAPL")

	snap := metrics.Snapshot()
	if snap.Fills["AAPL"] != 2 {
		t.Fatalf("fills = %d, want 2", snap.Fills["AAPL"])
	}
	if snap.Cancellations["MSFT"] != 1 {
		t.Fatalf("cancellations = %d, want 1", snap.Cancellations["MSFT"])
	}

	snap.Fills["AAPL"] = 99
	if metrics.Snapshot().Fills["AAPL"] != 2 {
		t.Fatal("snapshot mutation leaked into the accumulator")
	}
}

func TestAggregateErrorsFiltersNil(t *testing.T) {
	if err := AggregateErrors("noop", nil); err != nil {
		t.Fatalf("nil slice should aggregate to nil, got %v", err)
	}
	if err := AggregateErrors("noop", []error{nil, nil}); err != nil {
		t.Fatalf("all-nil slice should aggregate to nil, got %v", err)
	}

	first := errors.New("first failure")
	second := errors.New("second failure")
	err := AggregateErrors("tick", []error{nil, first, second})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatal("aggregate should wrap each member")
	}
}
