package stats

import "testing"

func Test_ScopedCounters(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Scope("sched").Counter("tuplesEvaluated").Inc(3)
	stat.Scope("sched").Counter("tuplesEvaluated").Inc(2)

	if got := stat.Scope("sched").Counter("tuplesEvaluated").Count(); got != 5 {
		t.Errorf("expected scoped counter at 5, got %d", got)
	}
	if got := stat.Counter("tuplesEvaluated").Count(); got != 0 {
		t.Errorf("expected unscoped counter untouched, got %d", got)
	}
}

func Test_Gauge(t *testing.T) {
	stat := DefaultStatsReceiver()
	g := stat.Gauge("bestScore")
	g.Update(0.625)
	if got := stat.Gauge("bestScore").Value(); got != 0.625 {
		t.Errorf("expected 0.625, got %g", got)
	}
}

func Test_NilReceiverDiscards(t *testing.T) {
	stat := NilStatsReceiver()
	stat.Counter("x").Inc(10)
	if stat.Counter("x").Count() != 0 {
		t.Error("nil receiver must discard")
	}
	stat.Scope("a", "b").Latency("y").Time().Stop()
}
