package cc

// Fixed-point constants for CUBIC's cwnd law, scaled by 1<<cubicShift
// (CUBIC_SHIFT in the reference draft-rhee-tcpm-cubic-02 math).
const (
	cubicShift  = 8
	cubicShift4 = 32

	cubicBeta       = 204 // ~0.8 << cubicShift
	oneSubCubicBeta = 51  // ~0.2 << cubicShift
	threeXPt2       = 153 // 3 * oneSubCubicBeta
	twoSubPt2       = 461 // (2 << cubicShift) - oneSubCubicBeta
	cubicCFactor    = 102 // ~0.4 << cubicShift
	cubicFCFactor   = 230 // fast-convergence ~0.9 << cubicShift

	cubicMinRTTSamples = 8
)

// cubicState is CUBIC's private per-connection state, installed into
// ControlBlock.CCData by CBInit.
type cubicState struct {
	k             int64  // CUBIC K, fixed point, cubicShift bits of precision
	sumRTTTicks   int64  // sum of RTT samples across the current epoch
	maxCwnd       uint32 // cwnd at the most recent congestion event
	prevMaxCwnd   uint32 // cwnd at the previous congestion event
	numCongEvents uint32
	minRTTTicks   int
	meanRTTTicks  int
	epochAckCount int
	tLastCong     int // tick count at the most recent congestion event
}

// Cubic is the CUBIC congestion-control algorithm with a TCP-friendly
// fallback region, following draft-rhee-tcpm-cubic-02.
type Cubic struct{}

// Name implements Algorithm.
func (*Cubic) Name() string { return "cubic" }

// CBInit implements CBInitializer: allocates cubicState with sensible
// defaults so a connection probed via the host cache before its first
// congestion event still behaves reasonably.
func (*Cubic) CBInit(cv *ControlBlock) error {
	cv.CCData = &cubicState{
		tLastCong:    cv.Now,
		minRTTTicks:  cv.Tunables.TCPTVSRTTBase,
		meanRTTTicks: 1,
	}
	return nil
}

func (*Cubic) state(cv *ControlBlock) *cubicState {
	return cv.CCData.(*cubicState)
}

// ConnInit implements Algorithm: seed max_cwnd from the just-computed
// initial window so hostcache-seeded connections don't see a bogus
// congestion event on their first ack.
func (c *Cubic) ConnInit(cv *ControlBlock) {
	c.state(cv).maxCwnd = cv.Cwnd
}

// AckReceived implements Algorithm. While slow-starting, or before a
// minimum number of RTT samples have been taken, growth is delegated
// to NewReno; otherwise cwnd follows whichever of the CUBIC concave/
// convex growth curve or the TCP-friendly region gives the larger
// window.
func (c *Cubic) AckReceived(cv *ControlBlock, typ AckType) {
	cs := c.state(cv)
	cubicRecordRTT(cv, cs)

	eligible := typ == AckRegular && !cv.InRecovery() && cv.Flags&FlagCwndLimited != 0 &&
		(!cv.Tunables.RFC3465 || cv.Cwnd <= cv.Ssthresh || cv.Flags&FlagABCSentAWnd != 0)
	if !eligible {
		return
	}

	if cv.Cwnd <= cv.Ssthresh || cs.minRTTTicks == cv.Tunables.TCPTVSRTTBase {
		(&NewReno{}).AckReceived(cv, typ)
		return
	}

	ticksSinceCong := cv.Now - cs.tLastCong

	// Mean RTT, not min RTT, best reflects the draft's equations: using
	// min RTT makes w_tf grow far faster than it should when RTT is
	// dominated by queueing rather than propagation delay.
	wTF := tfCwnd(ticksSinceCong, cs.meanRTTTicks, cs.maxCwnd, cv.Maxseg)
	wCubicNext := cubicCwnd(ticksSinceCong+cs.meanRTTTicks, cs.maxCwnd, cv.Maxseg, cs.k, cv.Tunables.Hz)

	cv.Flags &^= FlagABCSentAWnd

	switch {
	case wCubicNext < wTF:
		// TCP-friendly region.
		cv.Cwnd = wTF
	case cv.Cwnd < wCubicNext:
		// Concave or convex CUBIC region.
		if cv.Tunables.RFC3465 {
			cv.Cwnd = wCubicNext
		} else {
			cv.Cwnd += (wCubicNext - cv.Cwnd) * cv.Maxseg / cv.Cwnd
		}
	}

	if cs.numCongEvents == 0 && cs.maxCwnd < cv.Cwnd {
		cs.maxCwnd = cv.Cwnd
	}
}

// AfterIdle implements Algorithm by reusing NewReno's restart-window
// behavior, matching the reference wiring that assigns
// tcp_cubic_cc.after_idle = tcp_newreno_cc.after_idle at init time.
func (*Cubic) AfterIdle(cv *ControlBlock) {
	(&NewReno{}).AfterIdle(cv)
}

// CongSignal implements Algorithm: NDUPACK and ECN snapshot max_cwnd
// and update ssthresh via the CUBIC beta law; RTO only counts as a
// congestion event once it has fired at least twice in a row, since
// the first firing may be a false alarm.
func (c *Cubic) CongSignal(cv *ControlBlock, typ CongSignalType) {
	cs := c.state(cv)
	switch typ {
	case SigNDupAck:
		if !cv.InFastRecovery() {
			if !cv.InCongRecovery() {
				cubicSsthreshUpdate(cv, cs)
				cs.numCongEvents++
				cs.prevMaxCwnd = cs.maxCwnd
				cs.maxCwnd = cv.Cwnd
			}
			cv.EnterRecovery()
		}
	case SigECN:
		if !cv.InCongRecovery() {
			cubicSsthreshUpdate(cv, cs)
			cs.numCongEvents++
			cs.prevMaxCwnd = cs.maxCwnd
			cs.maxCwnd = cv.Cwnd
			cs.tLastCong = cv.Now
			cv.Cwnd = cv.Ssthresh
			cv.EnterCongRecovery()
		}
	case SigRTO:
		if cv.Rxtshift >= 2 {
			cs.numCongEvents++
			cs.tLastCong = cv.Now
		}
	}
}

// PostRecovery implements Algorithm: apply the fast-convergence
// heuristic, set cwnd conservatively (or via beta) on leaving fast
// recovery, fold the epoch's RTT samples into the mean, and recompute
// K for the next epoch.
func (c *Cubic) PostRecovery(cv *ControlBlock) {
	cs := c.state(cv)

	if cs.maxCwnd < cs.prevMaxCwnd {
		cs.maxCwnd = uint32((uint64(cs.maxCwnd) * cubicFCFactor) >> cubicShift)
	}

	if cv.InFastRecovery() {
		outstanding := seqSubtract(cv.Max, cv.curack)
		if outstanding < cv.Ssthresh {
			cv.Cwnd = outstanding + cv.Maxseg
		} else {
			cv.Cwnd = uint32((uint64(cubicBeta) * uint64(cs.maxCwnd)) >> cubicShift)
			if cv.Cwnd < 1 {
				cv.Cwnd = 1
			}
		}
	}

	cs.tLastCong = cv.Now

	if cs.epochAckCount > 0 && cs.sumRTTTicks >= int64(cs.epochAckCount) {
		cs.meanRTTTicks = int(cs.sumRTTTicks / int64(cs.epochAckCount))
	}
	cs.epochAckCount = 0
	cs.sumRTTTicks = 0

	if cv.Maxseg > 0 {
		cs.k = cubicK(uint64(cs.maxCwnd / cv.Maxseg))
	}
}

// cubicRecordRTT folds the current smoothed RTT into the min-RTT and
// epoch-sum tracking used by PostRecovery, ignoring srtt until a
// minimum number of samples have stabilized it.
func cubicRecordRTT(cv *ControlBlock, cs *cubicState) {
	if cv.RttUpdated < cubicMinRTTSamples {
		return
	}
	srttTicks := cv.Srtt >> TCPRTTShift

	if srttTicks < cs.minRTTTicks || cs.minRTTTicks == cv.Tunables.TCPTVSRTTBase {
		if srttTicks < 1 {
			srttTicks = 1
		}
		cs.minRTTTicks = srttTicks
		if cs.minRTTTicks > cs.meanRTTTicks {
			cs.meanRTTTicks = cs.minRTTTicks
		}
	}

	cs.sumRTTTicks += int64(cv.Srtt >> TCPRTTShift)
	cs.epochAckCount++
}

// cubicSsthreshUpdate halves cwnd into ssthresh on the first
// congestion event of a connection's lifetime, and applies CUBIC's
// beta on every subsequent event.
func cubicSsthreshUpdate(cv *ControlBlock, cs *cubicState) {
	if cs.numCongEvents == 0 {
		cv.Ssthresh = cv.Cwnd >> 1
	} else {
		cv.Ssthresh = uint32((uint64(cv.Cwnd) * cubicBeta) >> cubicShift)
	}
}

// cubicK computes CUBIC's K value (eqn 2 of the draft) for the given
// max window in segments, via the normalize-then-polynomial method of
// Apple Technical Report #KT-32: rebase s = wmax*(1-beta)/C into
// [1, 256) with a shift of cubicShift, approximate its cube root with
// a quadratic, then undo the rebasing.
func cubicK(wmaxPkts uint64) int64 {
	s := int64((wmaxPkts*oneSubCubicBeta)<<cubicShift) / cubicCFactor
	p := uint(0)
	for s >= 256 {
		s >>= 3
		p++
	}
	// 275 == 1.072302 << cubicShift, 98 == 0.3812513 << cubicShift,
	// 120 == 0.46946116 << cubicShift.
	k := ((s*275)>>cubicShift + 98) - (((s*s*120)>>cubicShift)>>cubicShift)
	return k << p
}

// cubicCwnd computes the CUBIC window (eqn 1 of the draft) for the
// given number of ticks since the last congestion event, the window
// at that event, and the sender's segment size. The cubed term's sign
// is computed explicitly via an absolute-value split rather than
// relying on int64 two's-complement wraparound for a strongly
// negative (t - K), since ticksSinceCong can be small relative to K
// early in an epoch.
func cubicCwnd(ticksSinceCong int, wmax uint32, smss uint32, k int64, hz int) uint32 {
	t := (int64(ticksSinceCong)<<cubicShift - k*int64(hz)) / int64(hz)

	sign := int64(1)
	abs := t
	if t < 0 {
		sign = -1
		abs = -t
	}
	cube := sign * abs * abs * abs

	cwnd := (cube*cubicCFactor*int64(smss))>>cubicShift4 + int64(wmax)
	if cwnd < 0 {
		cwnd = 0
	}
	return uint32(cwnd)
}

// tfCwnd computes the TCP-friendly cwnd (eqn 4 of the draft): the
// window CUBIC would need in order to track NewReno's average
// throughput using CUBIC's beta of 0.8.
func tfCwnd(ticksSinceCong int, rttTicks int, wmax uint32, smss uint32) uint32 {
	if rttTicks < 1 {
		rttTicks = 1
	}
	term := (uint64(threeXPt2) * uint64(ticksSinceCong) * uint64(smss) << cubicShift) / uint64(twoSubPt2) / uint64(rttTicks)
	return uint32((uint64(wmax)*cubicBeta + term) >> cubicShift)
}
