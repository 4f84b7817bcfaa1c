package meter

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestPortForGroupIsDeterministicAndInRange(t *testing.T) {
	p := PortForGroup("stream-1")
	if p != PortForGroup("stream-1") {
		t.Fatalf("expected stable port across calls")
	}
	if p < PortBase || p >= PortBase+PortRange {
		t.Fatalf("port %d outside [%d, %d)", p, PortBase, PortBase+PortRange)
	}
}

func TestMeterAccumulatesReceivedBytes(t *testing.T) {
	groupID := "meter-accum-test"
	m, err := Start(groupID)
	if err != nil {
		t.Fatalf("start meter: %v", err)
	}
	defer m.Stop()

	conn, err := net.Dial("udp", net.JoinHostPort(Host, strconv.Itoa(PortForGroup(groupID))))
	if err != nil {
		t.Fatalf("dial meter: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 500)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Bytes() >= 500 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected meter to observe at least 500 bytes, got %d", m.Bytes())
}

func TestSamplerSeedsOnFirstObservation(t *testing.T) {
	s := NewSampler()
	now := time.Now()
	if _, ok := s.Observe(1000, now); ok {
		t.Fatalf("expected first observation to only seed the sampler")
	}
}

func TestSamplerComputesSmoothedKbps(t *testing.T) {
	s := NewSampler()
	t0 := time.Now()
	s.Observe(0, t0)

	kbps, ok := s.Observe(125_000, t0.Add(time.Second))
	if !ok {
		t.Fatalf("expected a sample after the second observation")
	}
	// 125000 bytes in 1s = 1,000,000 bits/s = 1000 kbps.
	if kbps < 999 || kbps > 1001 {
		t.Fatalf("expected ~1000 kbps, got %f", kbps)
	}

	kbps2, ok := s.Observe(125_000, t0.Add(2*time.Second))
	if !ok {
		t.Fatalf("expected a third sample")
	}
	if kbps2 >= kbps {
		t.Fatalf("expected smoothed rate to fall toward zero once the delta stops growing")
	}
}
