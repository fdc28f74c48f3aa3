// Package cc implements a pluggable TCP congestion-control framework:
// a per-connection control block carrying the sender-side window and
// recovery state, a small set of top-level hooks a transport driver
// calls at the relevant points in packet processing, and a registry of
// swappable algorithms (see NewReno and Cubic) that supply the actual
// window-growth law.
package cc

import (
	"fmt"

	"github.com/m-lab/tcpkern/metrics"
)

// AckType classifies an acknowledgment passed to AckReceived.
type AckType uint16

const (
	AckRegular AckType = 0x0001 // in-sequence ACK
	AckDup     AckType = 0x0002 // duplicate ACK
	AckPartial AckType = 0x0004 // partial ACK under SACK recovery
	AckSack    AckType = 0x0008 // SACK-carrying ACK
)

// CongSignalType classifies a congestion signal passed to CongSignal.
// The top byte is reserved for an algorithm's own private signal
// types; CongSignal panics if asked to dispatch one of those, since a
// private signal must never leak to the generic framework.
type CongSignalType uint32

const (
	SigECN      CongSignalType = 0x00000001 // ECN-marked packet received
	SigRTO      CongSignalType = 0x00000002 // retransmit timeout fired
	SigRTOErr   CongSignalType = 0x00000004 // RTO fired spuriously
	SigNDupAck  CongSignalType = 0x00000008 // dupack threshold reached
	sigPrivMask CongSignalType = 0xFF000000
)

// Flags is the control block's bitset, combining the per-ack
// bookkeeping flags (ABC, cwnd-limited) with the recovery-state flags
// a transport driver would otherwise keep on a separate tcpcb.
type Flags uint32

const (
	FlagABCSentAWnd    Flags = 1 << iota // ABC already counted a cwnd's worth of bytes this RTT
	FlagCwndLimited                      // sender is currently cwnd-limited
	FlagDelAck                           // this ack is delayed
	FlagAckNow                           // this ack will be sent immediately
	FlagIPHdrCE                          // packet carried the IP CE bit
	FlagTCPHdrCWR                        // CWR is armed for the next outgoing segment
	FlagFastRecovery                     // connection is in fast recovery (NDUPACK)
	FlagCongRecovery                     // connection is in ECN congestion recovery
	FlagWasFastRecovery                  // snapshot for CC_RTO_ERR restore
	FlagWasCongRecovery                  // snapshot for CC_RTO_ERR restore
	FlagPrevValid                        // snd_cwnd_prev/snd_ssthresh_prev/snd_last_prev are valid
)

// Tunables holds the caller-configured constants the framework and
// its algorithms consult; nothing here is a package global, so
// multiple simulated connections may run with different settings in
// the same process.
type Tunables struct {
	RFC3390Mode    int    // 0 = RFC5681 initial window, 1 = RFC3390 classic, 2 = RFC3390 with the 14600-byte IW10 cap
	RFC3465        bool   // Appropriate Byte Counting
	ABCLimit       uint32 // max segments of credit ABC may grant per ACK
	TCPRexmtThresh int    // dupack threshold before NDUPACK fires; caller-configured, default 3
	TCPMaxWin      uint32 // TCP_MAXWIN, the largest representable unscaled window
	TCPTVSRTTBase  int    // sentinel value of an as-yet-unmeasured smoothed RTT
	Hz             int    // ticks per second, used by CUBIC's fixed-point time math
}

// DefaultTunables returns the conventional constants used throughout
// the reference algorithms: RFC 3390 with the 14600-byte cap, ABC
// disabled, abc_limit 2, tcprexmtthresh 3, TCP_MAXWIN 65535, an
// srtt-base sentinel of 6 ticks, and a 1000Hz tick rate.
func DefaultTunables() *Tunables {
	return &Tunables{
		RFC3390Mode:    2,
		RFC3465:        false,
		ABCLimit:       2,
		TCPRexmtThresh: 3,
		TCPMaxWin:      65535,
		TCPTVSRTTBase:  6,
		Hz:             1000,
	}
}

// ControlBlock is the per-connection state a congestion-control
// algorithm reads and mutates. Field names track the sender-side
// variables of a TCP control block directly; a transport driver is
// expected to own one of these per connection and to call the
// top-level hook functions below at the corresponding points in its
// packet processing.
type ControlBlock struct {
	Cwnd         uint32
	Ssthresh     uint32
	Wnd          uint32
	Max          uint32 // snd_max: highest sequence number sent
	Una          uint32 // snd_una: oldest unacknowledged sequence number
	Nxt          uint32 // snd_nxt: next sequence number to send
	SndScale     uint8
	SndLast      uint32
	SndLastPrev  uint32
	CwndPrev     uint32
	SsthreshPrev uint32

	Maxseg       uint32 // t_maxseg
	Dupacks      int    // t_dupacks
	BytesAcked   uint32 // t_bytes_acked: ABC accumulator across an RTT
	BytesThisAck uint32 // scratch: bytes newly acknowledged by the ack currently being processed
	Rxtshift     int    // t_rxtshift
	Flags        Flags  // t_flags
	Srtt         int    // t_srtt, scaled by 1<<TCPRTTShift
	RttUpdated   int    // t_rttupdated: number of RTT samples taken
	BadRxtWin    int    // t_badrxtwin
	Now          int    // t_now: tick counter

	Algo     Algorithm
	CCData   interface{} // algorithm-private per-connection state
	Tunables *Tunables
	curack   uint32
}

// TCPRTTShift is the fixed-point scale applied to Srtt, matching the
// conventional smoothed-RTT representation (srtt stored as
// measured-RTT * 1<<TCPRTTShift ticks).
const TCPRTTShift = 5

// InFastRecovery reports whether the connection is in NDUPACK-driven
// fast recovery.
func (cv *ControlBlock) InFastRecovery() bool { return cv.Flags&FlagFastRecovery != 0 }

// InCongRecovery reports whether the connection is in ECN congestion
// recovery.
func (cv *ControlBlock) InCongRecovery() bool { return cv.Flags&FlagCongRecovery != 0 }

// InRecovery reports whether the connection is in either recovery
// mode.
func (cv *ControlBlock) InRecovery() bool { return cv.InFastRecovery() || cv.InCongRecovery() }

// EnterRecovery marks the connection as being in fast recovery.
func (cv *ControlBlock) EnterRecovery() { cv.Flags |= FlagFastRecovery }

// EnterCongRecovery marks the connection as being in ECN congestion
// recovery.
func (cv *ControlBlock) EnterCongRecovery() { cv.Flags |= FlagCongRecovery }

// ExitRecovery clears both recovery flags. A transport driver calls
// this once it observes the condition that ends recovery (an ack
// above snd_last); the CC framework itself never decides when
// recovery ends except on RTO.
func (cv *ControlBlock) ExitRecovery() { cv.Flags &^= FlagFastRecovery | FlagCongRecovery }

// Algorithm is a pluggable congestion-control law. ConnInit,
// AckReceived, CongSignal, PostRecovery and AfterIdle are always
// dispatched by the framework's top-level hooks below; CBInit and
// CBDestroy are optional and discovered via type assertion, mirroring
// the source framework's nil-checked function-pointer slots.
type Algorithm interface {
	Name() string
	ConnInit(cv *ControlBlock)
	AckReceived(cv *ControlBlock, typ AckType)
	CongSignal(cv *ControlBlock, typ CongSignalType)
	PostRecovery(cv *ControlBlock)
	AfterIdle(cv *ControlBlock)
}

// CBInitializer is implemented by algorithms that need to allocate
// private per-connection state before first use.
type CBInitializer interface {
	CBInit(cv *ControlBlock) error
}

// CBDestroyer is implemented by algorithms that hold resources needing
// explicit release when a connection terminates.
type CBDestroyer interface {
	CBDestroy(cv *ControlBlock)
}

// Registry is a lookup table of available algorithms, replacing the
// intrusive singly-linked list the source framework threads through
// struct tcp_cc. NewReno is always present and is the default.
type Registry struct {
	algos map[string]Algorithm
	def   Algorithm
}

// NewRegistry returns a Registry with NewReno registered as the
// default algorithm.
func NewRegistry() *Registry {
	r := &Registry{algos: make(map[string]Algorithm)}
	nr := &NewReno{}
	r.Register(nr)
	r.def = nr
	return r
}

// Register adds algo to the registry, keyed by its Name().
func (r *Registry) Register(algo Algorithm) {
	r.algos[algo.Name()] = algo
}

// Get looks up a registered algorithm by name.
func (r *Registry) Get(name string) (Algorithm, bool) {
	a, ok := r.algos[name]
	return a, ok
}

// Default returns the registry's default algorithm (newreno unless
// SetDefault has been called).
func (r *Registry) Default() Algorithm { return r.def }

// SetDefault changes the registry's default algorithm; algo must
// already be registered.
func (r *Registry) SetDefault(name string) error {
	a, ok := r.algos[name]
	if !ok {
		return fmt.Errorf("cc: algorithm %q is not registered", name)
	}
	r.def = a
	return nil
}

// NewControlBlock builds a ControlBlock bound to algo, initializing
// any algorithm-private state via CBInit if algo implements
// CBInitializer.
func NewControlBlock(algo Algorithm, tun *Tunables) (*ControlBlock, error) {
	cv := &ControlBlock{Algo: algo, Tunables: tun}
	if init, ok := algo.(CBInitializer); ok {
		if err := init.CBInit(cv); err != nil {
			return nil, err
		}
	}
	return cv, nil
}

// ConnInit initializes the sender-side window for a newly established
// connection, following RFC 5681 unless the tunables request RFC 3390
// behavior, then dispatches to the algorithm's own ConnInit.
func ConnInit(cv *ControlBlock) {
	switch {
	case cv.Cwnd == 1:
		// Loss of the initial SYN: restart from one segment.
		cv.Cwnd = cv.Maxseg
	case cv.Tunables.RFC3390Mode == 2:
		cv.Cwnd = min32(10*cv.Maxseg, max32(2*cv.Maxseg, 14600))
	case cv.Tunables.RFC3390Mode == 1:
		cv.Cwnd = min32(4*cv.Maxseg, max32(2*cv.Maxseg, 4380))
	default:
		switch {
		case cv.Maxseg > 2190:
			cv.Cwnd = 2 * cv.Maxseg
		case cv.Maxseg > 1095:
			cv.Cwnd = 3 * cv.Maxseg
		default:
			cv.Cwnd = 4 * cv.Maxseg
		}
	}
	cv.Algo.ConnInit(cv)
}

// AckReceived processes one incoming acknowledgment: it updates the
// cwnd-limited flag and the Appropriate Byte Counting accumulator,
// then dispatches to the algorithm's own AckReceived. ackSeq is the
// acknowledgment sequence number (th_ack).
func AckReceived(cv *ControlBlock, ackSeq uint32, typ AckType) {
	cv.BytesThisAck = ackSeq - cv.Una

	if cv.Cwnd <= cv.Wnd {
		cv.Flags |= FlagCwndLimited
	} else {
		cv.Flags &^= FlagCwndLimited
	}

	if typ == AckRegular {
		if cv.Cwnd > cv.Ssthresh {
			limit := cv.Tunables.ABCLimit * cv.Maxseg
			b := cv.BytesThisAck
			if b > limit {
				b = limit
			}
			cv.BytesAcked += b
			if cv.BytesAcked >= cv.Cwnd {
				cv.BytesAcked -= cv.Cwnd
				cv.Flags |= FlagABCSentAWnd
			}
		} else {
			cv.Flags &^= FlagABCSentAWnd
			cv.BytesAcked = 0
		}
	}

	cv.curack = ackSeq
	cv.Algo.AckReceived(cv, typ)
}

// CongSignal processes a detected congestion signal: NDUPACK and ECN
// snapshot the recovery entry point and arm CWR; RTO resets to one
// segment; RTOErr restores the pre-RTO snapshot for a retransmit that
// turned out to be spurious. Entering fast or congestion recovery on
// NDUPACK/ECN is left to the algorithm's own CongSignal, which runs
// afterwards. curack/ackValid mirror the optional tcp
// header passed to the source framework's cc_cong_signal: when
// ackValid is false, cv's last-seen ack is left untouched.
func CongSignal(cv *ControlBlock, typ CongSignalType, ackSeq uint32, ackValid bool) {
	if typ&sigPrivMask != 0 {
		panic(fmt.Sprintf("cc: congestion signal type %#x is private", typ))
	}

	switch typ {
	case SigNDupAck:
		metrics.CCEventTotal.WithLabelValues(cv.Algo.Name(), "ndupack").Inc()
		if !cv.InFastRecovery() {
			if !cv.InCongRecovery() {
				cv.SndLast = cv.Max
				cv.Flags |= FlagTCPHdrCWR
			}
		}
	case SigECN:
		metrics.CCEventTotal.WithLabelValues(cv.Algo.Name(), "ecn").Inc()
		if !cv.InCongRecovery() {
			cv.SndLast = cv.Max
			cv.Flags |= FlagTCPHdrCWR
		}
	case SigRTO:
		metrics.CCEventTotal.WithLabelValues(cv.Algo.Name(), "rto").Inc()
		cv.Dupacks = 0
		cv.BytesAcked = 0
		cv.ExitRecovery()
		win := cv.Wnd
		if cv.Cwnd < win {
			win = cv.Cwnd
		}
		win = win / 2 / cv.Maxseg
		if win < 2 {
			win = 2
		}
		cv.Ssthresh = win * cv.Maxseg
		cv.Cwnd = cv.Maxseg
	case SigRTOErr:
		metrics.CCEventTotal.WithLabelValues(cv.Algo.Name(), "rto_err").Inc()
		cv.Cwnd = cv.CwndPrev
		cv.Ssthresh = cv.SsthreshPrev
		cv.SndLast = cv.SndLastPrev
		if cv.Flags&FlagWasFastRecovery != 0 {
			cv.EnterRecovery()
		}
		if cv.Flags&FlagWasCongRecovery != 0 {
			cv.EnterCongRecovery()
		}
		cv.Nxt = cv.Max
		cv.Flags &^= FlagPrevValid
		cv.BadRxtWin = 0
	}

	if ackValid {
		cv.curack = ackSeq
	}
	cv.Algo.CongSignal(cv, typ)
}

// PostRecovery is called once a connection has an ack above snd_last,
// concluding recovery; it dispatches to the algorithm and then resets
// the ABC accumulator, matching the framework's unconditional reset
// regardless of what the algorithm did with it.
func PostRecovery(cv *ControlBlock, ackSeq uint32) {
	metrics.CCEventTotal.WithLabelValues(cv.Algo.Name(), "post_recovery").Inc()
	cv.curack = ackSeq
	cv.Algo.PostRecovery(cv)
	cv.BytesAcked = 0
}

// AfterIdle is called when data transfer resumes after an idle
// period; it is a pure dispatch to the algorithm.
func AfterIdle(cv *ControlBlock) {
	cv.Algo.AfterIdle(cv)
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
