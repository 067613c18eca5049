package cache

import "testing"

func TestStageOutputRoundTrip(t *testing.T) {
	c := New(false)
	c.SetStageOutput("run-1", "a", map[string]string{"r": "ok"})

	v, ok := c.GetStageOutput("run-1", "a")
	if !ok {
		t.Fatal("expected stage output to be cached")
	}
	if v.(map[string]string)["r"] != "ok" {
		t.Fatalf("unexpected cached value: %v", v)
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c := New(true)
	c.SetStageOutput("run-1", "a", "x")
	if _, ok := c.GetStageOutput("run-1", "a"); ok {
		t.Fatal("disabled cache should never hit")
	}
}

func TestLoadCounterClampsAtZero(t *testing.T) {
	c := New(false)
	c.DecrLoad("agent-1")
	if got := c.Load("agent-1"); got != 0 {
		t.Fatalf("load = %d, want 0", got)
	}
	c.IncrLoad("agent-1")
	c.IncrLoad("agent-1")
	c.DecrLoad("agent-1")
	if got := c.Load("agent-1"); got != 1 {
		t.Fatalf("load = %d, want 1", got)
	}
}

func TestResponseTimeWindowBoundedTo20Samples(t *testing.T) {
	c := New(false)
	for i := 0; i < 25; i++ {
		c.RecordResponseTime("agent-1", float64(i))
	}
	samples, ok := c.responseSamples("agent-1")
	if !ok {
		t.Fatal("expected samples")
	}
	if len(samples) != 20 {
		t.Fatalf("len(samples) = %d, want 20", len(samples))
	}
	if samples[0] != 5 {
		t.Fatalf("expected oldest samples dropped, got first=%v", samples[0])
	}
}

func TestCapabilityCacheInvalidate(t *testing.T) {
	c := New(false)
	c.SetCapabilityAgents("c1", []string{"a1", "a2"})
	c.InvalidateCapability("c1")
	if _, ok := c.GetCapabilityAgents("c1"); ok {
		t.Fatal("expected invalidated entry to miss")
	}
}
