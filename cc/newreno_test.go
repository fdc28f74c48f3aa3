package cc

import "testing"

func TestNewRenoSlowStartGrowsByOneSegment(t *testing.T) {
	const maxseg = 1000
	for _, rfc3465 := range []bool{false, true} {
		cv := newTestControlBlock(t, &NewReno{}, maxseg)
		cv.Tunables.RFC3465 = rfc3465
		cv.Cwnd = maxseg
		cv.Ssthresh = 16 * maxseg
		cv.Wnd = 64 * maxseg

		AckReceived(cv, maxseg, AckRegular)

		if cv.Cwnd != 2*maxseg {
			t.Fatalf("rfc3465=%v: Cwnd = %d, want %d", rfc3465, cv.Cwnd, 2*maxseg)
		}
	}
}

func TestNewRenoFastRecoveryEntryHalvesSsthresh(t *testing.T) {
	const maxseg = 1000
	cv := newTestControlBlock(t, &NewReno{}, maxseg)
	cv.Cwnd = 20 * maxseg

	CongSignal(cv, SigNDupAck, 0, false)

	if cv.Ssthresh != 10*maxseg {
		t.Fatalf("Ssthresh = %d, want %d", cv.Ssthresh, 10*maxseg)
	}
	if !cv.InFastRecovery() {
		t.Fatalf("expected connection to be in fast recovery")
	}
}

func TestNewRenoCongSignalIdempotentWithinRecovery(t *testing.T) {
	const maxseg = 1000
	cv := newTestControlBlock(t, &NewReno{}, maxseg)
	cv.Cwnd = 20 * maxseg

	CongSignal(cv, SigNDupAck, 0, false)
	first := cv.Ssthresh
	// A second NDUPACK while already in fast recovery must not cut
	// ssthresh again.
	CongSignal(cv, SigNDupAck, 0, false)
	if cv.Ssthresh != first {
		t.Fatalf("ssthresh changed on repeated NDUPACK within fast recovery: %d -> %d", first, cv.Ssthresh)
	}
}

func TestNewRenoPostRecoveryConservativeCap(t *testing.T) {
	const maxseg = 1000
	cv := newTestControlBlock(t, &NewReno{}, maxseg)
	cv.Cwnd = 20 * maxseg
	cv.Max = 15000
	CongSignal(cv, SigNDupAck, 0, false)

	// curack is set by PostRecovery's caller; outstanding = snd_max - curack.
	PostRecovery(cv, 10000) // outstanding = 5000 < ssthresh(10000)
	if cv.Cwnd != 5000+maxseg {
		t.Fatalf("Cwnd = %d, want %d", cv.Cwnd, 5000+maxseg)
	}
}

func TestNewRenoAfterIdleRestartWindow(t *testing.T) {
	const maxseg = 1000
	cv := newTestControlBlock(t, &NewReno{}, maxseg)
	cv.Cwnd = 50 * maxseg

	AfterIdle(cv)

	want := min32(4*maxseg, max32(2*maxseg, 4380))
	if cv.Cwnd != want {
		t.Fatalf("Cwnd = %d, want %d", cv.Cwnd, want)
	}
}
