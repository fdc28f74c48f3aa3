package cc

import "testing"

func newTestControlBlock(t *testing.T, algo Algorithm, maxseg uint32) *ControlBlock {
	t.Helper()
	tun := DefaultTunables()
	cv, err := NewControlBlock(algo, tun)
	if err != nil {
		t.Fatalf("NewControlBlock: %v", err)
	}
	cv.Maxseg = maxseg
	cv.Wnd = 64 * maxseg
	return cv
}

func TestRegistryDefaultIsNewReno(t *testing.T) {
	r := NewRegistry()
	if r.Default().Name() != "newreno" {
		t.Fatalf("default algorithm = %q, want newreno", r.Default().Name())
	}
	if _, ok := r.Get("newreno"); !ok {
		t.Fatalf("newreno not registered")
	}
}

func TestRegistrySetDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(&Cubic{})
	if err := r.SetDefault("cubic"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if r.Default().Name() != "cubic" {
		t.Fatalf("default = %q, want cubic", r.Default().Name())
	}
	if err := r.SetDefault("missing"); err == nil {
		t.Fatalf("expected error selecting unregistered algorithm")
	}
}

func TestConnInitRFC3390IW10Cap(t *testing.T) {
	cv := newTestControlBlock(t, &NewReno{}, 1000)
	ConnInit(cv)
	// RFC3390Mode==2 (default): min(10*maxseg, max(2*maxseg,14600)) = min(10000, 14600) = 10000.
	if cv.Cwnd != 10000 {
		t.Fatalf("Cwnd = %d, want 10000", cv.Cwnd)
	}
}

func TestConnInitRFC5681Tiers(t *testing.T) {
	cases := []struct {
		maxseg uint32
		want   uint32
	}{
		{maxseg: 3000, want: 6000},
		{maxseg: 1500, want: 4500},
		{maxseg: 500, want: 2000},
	}
	for _, c := range cases {
		cv := newTestControlBlock(t, &NewReno{}, c.maxseg)
		cv.Tunables.RFC3390Mode = 0
		ConnInit(cv)
		if cv.Cwnd != c.want {
			t.Fatalf("maxseg=%d: Cwnd = %d, want %d", c.maxseg, cv.Cwnd, c.want)
		}
	}
}

func TestInvariantCwndAtLeastMaxsegExceptRTO(t *testing.T) {
	cv := newTestControlBlock(t, &NewReno{}, 1000)
	ConnInit(cv)
	for i := 0; i < 50; i++ {
		AckReceived(cv, uint32(i*1000), AckRegular)
		if cv.Cwnd < cv.Maxseg {
			t.Fatalf("cwnd %d fell below maxseg %d after ack %d", cv.Cwnd, cv.Maxseg, i)
		}
	}
	CongSignal(cv, SigRTO, 0, false)
	if cv.Cwnd != cv.Maxseg {
		t.Fatalf("after RTO: cwnd = %d, want exactly maxseg %d", cv.Cwnd, cv.Maxseg)
	}
}

func TestCongSignalRejectsPrivateSignal(t *testing.T) {
	cv := newTestControlBlock(t, &NewReno{}, 1000)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on private signal type")
		}
	}()
	CongSignal(cv, CongSignalType(0x01000000), 0, false)
}
