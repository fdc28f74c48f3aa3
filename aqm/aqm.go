// Package aqm implements the CoDel (Controlled-Delay) active queue
// management control law: a per-flow queue that drops packets at
// dequeue time once their sojourn time has stayed above a target for
// too long, at a rate that grows as 1/sqrt(k) in the number of drops
// in the current episode.
package aqm

import (
	"errors"
	"fmt"

	"github.com/m-lab/tcpkern/metrics"
)

// Time is a monotonic time point in microseconds. Unset is the
// distinguished "no time point" value, mirroring a cleared timeval.
type Time int64

// Unset is the distinguished value meaning "no time point recorded".
const Unset Time = -1

func (t Time) isSet() bool { return t != Unset }

// numIntervals is the size of the precomputed 1/sqrt(k) drop-spacing
// table.
const numIntervals = 400

// Params holds the shared, read-only CoDel configuration: target
// sojourn time, base interval, grace window, and the precomputed
// drop-interval table. One Params may be shared by many Queues (e.g.
// one per FQ flow), matching the "richer form" with a shared
// codel_params object.
type Params struct {
	Target   Time // 5ms
	Interval Time // 100ms
	Grace    Time // 16 * Interval
	Quantum  int  // bytes; below this backlog we never drop

	intervals [numIntervals]int64 // microseconds, decreasing
}

// DefaultTarget and DefaultInterval match the values used throughout
// the reference implementation.
const (
	DefaultTarget   Time = 5000
	DefaultInterval Time = 100000
)

// NewParams builds a Params with the standard target/interval/grace
// and the given quantum (the FQ scheduler's per-flow service quantum,
// reused here as AQM's minimum-backlog-before-dropping threshold).
func NewParams(quantum int) (*Params, error) {
	if quantum <= 0 {
		return nil, fmt.Errorf("aqm: quantum must be positive, got %d", quantum)
	}
	p := &Params{
		Target:   DefaultTarget,
		Interval: DefaultInterval,
		Grace:    16 * DefaultInterval,
		Quantum:  quantum,
	}
	p.fillIntervals()
	return p, nil
}

// fillIntervals computes intervals[i] = Interval / sqrt(i+1) in
// microseconds, via repeated application of Newton's method rather
// than a borrowed floating point sqrt, so the table construction has
// no hidden dependency on math.Sqrt's rounding behavior differing
// across platforms. The values match the reference table exactly
// to the nearest microsecond.
func (p *Params) fillIntervals() {
	base := float64(p.Interval)
	for i := 0; i < numIntervals; i++ {
		p.intervals[i] = int64(base/isqrt(float64(i+1)) + 0.5)
	}
}

func isqrt(x float64) float64 {
	// Newton-Raphson; x >= 1 here so x itself is a safe initial guess.
	z := x
	for i := 0; i < 40; i++ {
		z = z - (z*z-x)/(2*z)
	}
	return z
}

// intervalFor returns the drop spacing, in microseconds, for the k-th
// drop (1-indexed) in an episode, saturating at the last table entry.
func (p *Params) intervalFor(k uint32) Time {
	idx := k - 1
	if idx >= numIntervals {
		idx = numIntervals - 1
	}
	return Time(p.intervals[idx])
}

// Packet is the opaque packet handle the core reads length from. The
// core never reads or mutates anything else; the enqueue timestamp is
// tracked internally by the Queue rather than stashed on the packet
// itself (re-architected per the source's per-packet mutable
// timestamp slot pattern).
type Packet interface {
	Length() int
}

// record wraps a caller-supplied Packet with its arrival time.
type record struct {
	pkt        Packet
	enqueuedAt Time
}

// Queue is one CoDel-managed packet queue: the AQM state for a single
// flow. Invariants (checked by the test suite, not at runtime on the
// hot path per the infallible-hot-path design):
//
//	backlog == sum of Length() over queued packets
//	len(q) == 0 implies backlog == 0 and start == Unset
type Queue struct {
	q       []record
	backlog int

	dropping bool
	start    Time
	next     Time

	drops  uint32
	ldrops uint32
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{start: Unset, next: Unset}
}

// Backlog returns the byte sum of currently queued packets.
func (q *Queue) Backlog() int { return q.backlog }

// Len returns the number of currently queued packets.
func (q *Queue) Len() int { return len(q.q) }

// Dropping reports whether the queue is currently in the CoDel
// dropping state.
func (q *Queue) Dropping() bool { return q.dropping }

// Enqueue appends packet to the tail of the queue, stamping its
// arrival time. It never fails.
func (q *Queue) Enqueue(now Time, packet Packet) {
	q.q = append(q.q, record{pkt: packet, enqueuedAt: now})
	q.backlog += packet.Length()
}

// peek picks the head packet and decides whether it is a drop
// candidate, mirroring codel_next: a packet is eligible for
// transmission either because the queue is healthy (sojourn below
// target, or backlog at or below quantum) or because it is the
// current head while we decide whether to drop it.
func (q *Queue) peek(p *Params, now Time) (head Packet, drop bool) {
	if len(q.q) == 0 {
		q.start = Unset
		return nil, false
	}
	head = q.q[0].pkt
	sojourn := now - q.q[0].enqueuedAt
	if sojourn < p.Target || q.backlog <= p.Quantum {
		q.start = Unset
		return head, false
	}
	if !q.start.isSet() {
		q.start = now + p.Interval
	} else if now > q.start {
		drop = true
	}
	return head, drop
}

// controlLaw schedules the next drop time, drops' drops after rts,
// per the 1/sqrt(k) table.
func (q *Queue) controlLaw(p *Params, rts Time) {
	q.next = rts + p.intervalFor(q.drops)
}

// popFront removes and returns the head record, decrementing backlog
// and unsetting start once the queue is empty.
// It is the internal equivalent of codel_commit applied during the
// dequeue loop, before the caller has had a chance to observe the
// packet via DequeueBegin.
func (q *Queue) popFront() record {
	r := q.q[0]
	q.q = q.q[1:]
	q.backlog -= r.pkt.Length()
	if len(q.q) == 0 {
		q.start = Unset
	}
	return r
}

// DequeueBegin runs CoDel's decision algorithm and returns the next
// packet the caller should transmit (nil if the queue has no eligible
// packet), together with any packets dropped while reaching it. The
// returned packet has NOT been removed from the queue; the caller
// must follow up with Commit to actually pop it (the begin/commit
// split lets a caller peek a packet for hardware descriptor
// availability before consuming it, as required for FQ's scheduler).
func (q *Queue) DequeueBegin(p *Params, now Time) (head Packet, dropped []Packet, dropPkts int, dropBytes int) {
	head, drop := q.peek(p, now)
	if head == nil {
		q.dropping = false
		return nil, nil, 0, 0
	}

	if q.dropping && !drop {
		q.dropping = false
		q.observeSojourn(now)
		return head, nil, 0, 0
	}

	if q.dropping {
		for now >= q.next && q.dropping {
			r := q.popFront()
			dropped = append(dropped, r.pkt)
			q.drops++
			dropPkts++
			dropBytes += r.pkt.Length()
			metrics.AQMDropTotal.WithLabelValues("control_law").Inc()

			head, drop = q.peek(p, now)
			if head == nil {
				q.dropping = false
				return nil, dropped, dropPkts, dropBytes
			}
			if !drop {
				q.dropping = false
			} else {
				q.controlLaw(p, q.next)
			}
		}
		q.observeSojourn(now)
		return head, dropped, dropPkts, dropBytes
	}

	if drop {
		r := q.popFront()
		dropped = append(dropped, r.pkt)
		q.drops++
		dropPkts++
		dropBytes += r.pkt.Length()
		metrics.AQMDropTotal.WithLabelValues("control_law").Inc()

		head, _ = q.peek(p, now)
		q.dropping = true

		// Grace-window heuristic: if we are re-entering the
		// dropping state soon after the last episode ended, treat
		// it as a continuation and pick up the previous rate
		// instead of restarting at the slowest interval.
		delta := q.drops - q.ldrops
		if delta > 1 {
			diff := now - q.next
			if now < q.next || diff < p.Grace {
				q.drops = delta
			} else {
				q.drops = 1
			}
		} else {
			q.drops = 1
		}
		q.controlLaw(p, now)
		q.ldrops = q.drops
	}
	q.observeSojourn(now)
	return head, dropped, dropPkts, dropBytes
}

// observeSojourn records the sojourn time of the current head packet
// (about to be returned to the caller for transmission), if any.
func (q *Queue) observeSojourn(now Time) {
	if len(q.q) == 0 {
		return
	}
	sojourn := now - q.q[0].enqueuedAt
	metrics.AQMSojournHistogram.Observe(float64(sojourn) / 1e6)
}

// ErrEmpty is returned by Commit when there is no head packet to pop.
var ErrEmpty = errors.New("aqm: commit on empty queue")

// Commit pops the current head packet, decrementing backlog, and
// returns it, or ErrEmpty if the queue is empty. Commit takes no
// packet argument: it pops whatever is at the head, which is the packet
// DequeueBegin last returned as long as nothing else changed the queue
// in between.
func (q *Queue) Commit() (Packet, error) {
	if len(q.q) == 0 {
		return nil, ErrEmpty
	}
	r := q.popFront()
	return r.pkt, nil
}

// Purge drains the queue into sink (appended in FIFO order) and
// clears backlog.
func (q *Queue) Purge(sink *[]Packet) {
	for _, r := range q.q {
		*sink = append(*sink, r.pkt)
	}
	q.q = nil
	q.backlog = 0
	q.start = Unset
}
