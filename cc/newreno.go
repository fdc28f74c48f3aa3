package cc

// NewReno is the baseline congestion-control algorithm: exponential
// growth in slow start, additive growth in congestion avoidance, and a
// halved cwnd on entry to recovery.
type NewReno struct{}

// Name implements Algorithm.
func (*NewReno) Name() string { return "newreno" }

// ConnInit implements Algorithm. NewReno has no private state to set
// up beyond the window ConnInit's dispatcher already computed.
func (*NewReno) ConnInit(cv *ControlBlock) {}

// AckReceived implements Algorithm: grow cwnd on a regular in-order
// ack while not in recovery and cwnd-limited. Slow start grows
// exponentially (by a full segment per ack, or by the ABC-credited
// byte count when RFC 3465 is enabled); congestion avoidance grows
// linearly (mss^2/cwnd per ack, or a segment per cwnd's worth of ACKed
// data under RFC 3465).
func (*NewReno) AckReceived(cv *ControlBlock, typ AckType) {
	if typ != AckRegular || cv.InRecovery() || cv.Flags&FlagCwndLimited == 0 {
		return
	}

	cw := cv.Cwnd
	incr := cv.Maxseg

	if cw > cv.Ssthresh {
		if cv.Tunables.RFC3465 {
			if cv.Flags&FlagABCSentAWnd != 0 {
				cv.Flags &^= FlagABCSentAWnd
			} else {
				incr = 0
			}
		} else {
			incr = cv.Maxseg * cv.Maxseg / cw
			if incr < 1 {
				incr = 1
			}
		}
	} else if cv.Tunables.RFC3465 {
		// Must not grant more than one segment's worth of credit per
		// ack when slow-starting after an RTO: snd_nxt == snd_max is
		// sufficient to detect that case without a dedicated flag.
		limit := cv.Tunables.ABCLimit
		if cv.Nxt != cv.Max {
			limit = 1
		}
		incr = cv.BytesThisAck
		grant := cv.Maxseg * limit
		if incr > grant {
			incr = grant
		}
	}

	if incr > 0 {
		newCwnd := cw + incr
		maxWin := cv.Tunables.TCPMaxWin << cv.SndScale
		if newCwnd > maxWin {
			newCwnd = maxWin
		}
		cv.Cwnd = newCwnd
	}
}

// AfterIdle implements Algorithm: reduce cwnd to the restart window
// before resuming transmission after an idle period, per RFC 5681
// §4.1.
func (*NewReno) AfterIdle(cv *ControlBlock) {
	var rw uint32
	if cv.Tunables.RFC3390Mode != 0 {
		rw = min32(4*cv.Maxseg, max32(2*cv.Maxseg, 4380))
	} else {
		rw = cv.Maxseg * 2
	}
	if rw < cv.Cwnd {
		cv.Cwnd = rw
	}
}

// CongSignal implements Algorithm: halve cwnd into snd_ssthresh (with
// a two-segment floor) on entry to fast or congestion recovery.
func (*NewReno) CongSignal(cv *ControlBlock, typ CongSignalType) {
	switch typ {
	case SigNDupAck:
		if !cv.InFastRecovery() {
			if !cv.InCongRecovery() {
				cv.Ssthresh = newRenoHalvedWindow(cv)
			}
			cv.EnterRecovery()
		}
	case SigECN:
		if !cv.InCongRecovery() {
			win := newRenoHalvedWindow(cv)
			cv.Ssthresh = win
			cv.Cwnd = win
			cv.EnterCongRecovery()
		}
	}
}

func newRenoHalvedWindow(cv *ControlBlock) uint32 {
	win := cv.Cwnd / 2 / cv.Maxseg
	if win < 2 {
		win = 2
	}
	return win * cv.Maxseg
}

// PostRecovery implements Algorithm: on leaving fast recovery, set
// cwnd to approximately ssthresh worth of outstanding data so the
// connection resumes via slow start rather than a burst.
func (*NewReno) PostRecovery(cv *ControlBlock) {
	if !cv.InFastRecovery() {
		return
	}
	outstanding := seqSubtract(cv.Max, cv.curack)
	if outstanding < cv.Ssthresh {
		cv.Cwnd = outstanding + cv.Maxseg
	} else {
		cv.Cwnd = cv.Ssthresh
	}
}

// seqSubtract computes a - b in TCP sequence-number space, where
// sequence numbers wrap modulo 2^32 and the result is meaningful only
// when a is "ahead of" b by less than half the sequence space.
func seqSubtract(a, b uint32) uint32 {
	return a - b
}
