// Package fq implements the FQ-CoDel flow-queue scheduler: traffic is
// hash-partitioned into per-flow CoDel queues (package aqm) and served
// by deficit round-robin, with newly-active flows served from a
// separate "new" queue so a sparse flow is not starved behind bulk
// traffic.
package fq

import (
	"errors"
	"fmt"

	"github.com/m-lab/tcpkern/aqm"
	"github.com/m-lab/tcpkern/metrics"
)

// FlowID identifies a flow's slot in the fixed-size flow arena.
type FlowID int

// Rand is the uniform random source used to classify untagged
// packets, matching arc4random_uniform's contract.
type Rand interface {
	IntN(n int) int
}

// Packet is the packet handle FQ operates on: an aqm.Packet plus an
// optional flow classification tag.
type Packet interface {
	aqm.Packet
	FlowTag() (tag uint32, ok bool)
}

// PFAdaptor is the packet-filter configuration adaptor named in the
// external-interfaces surface. It has no behavior this core depends
// on; NullPFAdaptor is the default implementation used when no
// packet-filter plane is wired in.
type PFAdaptor interface {
	QueueStats(q *Queue) (packets, bytes uint64)
}

// NullPFAdaptor implements PFAdaptor by reporting nothing.
type NullPFAdaptor struct{}

// QueueStats implements PFAdaptor.
func (NullPFAdaptor) QueueStats(q *Queue) (uint64, uint64) { return 0, 0 }

const defaultQlimit = 1024
const pruneThreshold = 64

// queueLink names which of newq/oldq (if any) a flow is linked into.
type queueLink int

const (
	linkNone queueLink = iota
	linkNew
	linkOld
)

type flowState struct {
	cd      *aqm.Queue
	active  bool
	deficit int
	link    queueLink
}

// ringQueue is a FIFO of flow indices backed by a slice with a head
// offset, giving O(1) push-tail and pop-head without the intrusive
// linked-list membership field the source keeps inside struct flow.
type ringQueue struct {
	items []FlowID
	head  int
}

func (r *ringQueue) empty() bool { return r.head >= len(r.items) }

func (r *ringQueue) pushTail(id FlowID) {
	r.items = append(r.items, id)
}

func (r *ringQueue) popHead() FlowID {
	id := r.items[r.head]
	r.head++
	if r.head == len(r.items) {
		r.items = r.items[:0]
		r.head = 0
	}
	return id
}

func (r *ringQueue) first() (FlowID, bool) {
	if r.empty() {
		return 0, false
	}
	return r.items[r.head], true
}

// Queue is one FQ-CoDel scheduler instance: a fixed-size arena of
// per-flow CoDel queues plus the newq/oldq deficit round-robin state.
type Queue struct {
	flows []flowState
	newq  ringQueue
	oldq  ringQueue

	params  *aqm.Params
	quantum int
	qlimit  int

	rand Rand
	pf   PFAdaptor

	xmitPackets, xmitBytes uint64
	dropPackets, dropBytes uint64
}

// New builds a Queue with nflows flow slots, the given per-flow
// service quantum (also used as the AQM quantum threshold), and
// uniform random source for untagged packets. qlimit <= 0 selects the
// default aggregate depth of 1024 packets.
func New(nflows int, quantum int, qlimit int, rnd Rand) (*Queue, error) {
	if nflows <= 0 {
		return nil, fmt.Errorf("fq: nflows must be positive, got %d", nflows)
	}
	if quantum <= 0 {
		return nil, fmt.Errorf("fq: quantum must be positive, got %d", quantum)
	}
	if qlimit <= 0 {
		qlimit = defaultQlimit
	}
	params, err := aqm.NewParams(quantum)
	if err != nil {
		return nil, err
	}
	flows := make([]flowState, nflows)
	for i := range flows {
		flows[i].cd = aqm.NewQueue()
	}
	return &Queue{
		flows:   flows,
		params:  params,
		quantum: quantum,
		qlimit:  qlimit,
		rand:    rnd,
		pf:      NullPFAdaptor{},
	}, nil
}

// SetPFAdaptor installs the packet-filter configuration adaptor. The
// Queue stores it but does not call it.
func (q *Queue) SetPFAdaptor(pf PFAdaptor) { q.pf = pf }

// NumFlows returns the size of the flow arena.
func (q *Queue) NumFlows() int { return len(q.flows) }

// aggregateLen is the total packet count across all flows, used for
// the qlimit overload check.
func (q *Queue) aggregateLen() int {
	n := 0
	for i := range q.flows {
		n += q.flows[i].cd.Len()
	}
	return n
}

// Classify returns the flow slot for packet: flow_tag mod nflows if
// the packet carries a valid tag, otherwise a uniform random slot.
func (q *Queue) Classify(p Packet) FlowID {
	if tag, ok := p.FlowTag(); ok {
		return FlowID(tag % uint32(len(q.flows)))
	}
	return FlowID(q.rand.IntN(len(q.flows)))
}

// Enqueue classifies p into its flow, enqueues it under that flow's
// CoDel queue, activates the flow if it was idle, and prunes the
// largest-backlog flow if the aggregate queue is at its limit. It
// returns the flow the packet landed in and, if pruning occurred, the
// first packet dropped by the prune (the enqueue overflow return).
func (q *Queue) Enqueue(now aqm.Time, p Packet) (FlowID, aqm.Packet) {
	id := q.Classify(p)
	f := &q.flows[id]
	f.cd.Enqueue(now, p)

	if !f.active {
		q.newq.pushTail(id)
		f.deficit = q.quantum
		f.active = true
		f.link = linkNew
		metrics.FQActiveFlowsGauge.Inc()
	}

	backlog := 0
	for i := range q.flows {
		backlog += q.flows[i].cd.Backlog()
	}
	metrics.FQBacklogHistogram.Observe(float64(backlog))

	if q.aggregateLen() >= q.qlimit {
		return id, q.prune()
	}
	return id, nil
}

// prune finds the flow with the largest backlog and drops packets
// from its head until that backlog has at least halved, capped at
// pruneThreshold packets per invocation. It returns the first dropped
// packet.
func (q *Queue) prune() aqm.Packet {
	worst := -1
	worstBacklog := 0
	for i := range q.flows {
		if b := q.flows[i].cd.Backlog(); b > worstBacklog {
			worst = i
			worstBacklog = b
		}
	}
	if worst < 0 {
		return nil
	}
	target := worstBacklog / 2
	f := &q.flows[worst]
	var first aqm.Packet
	for n := 0; n < pruneThreshold && f.cd.Backlog() > target && f.cd.Len() > 0; n++ {
		pkt, err := f.cd.Commit()
		if err != nil {
			break
		}
		q.dropPackets++
		q.dropBytes += uint64(pkt.Length())
		metrics.AQMDropTotal.WithLabelValues("drop_all").Inc()
		if first == nil {
			first = pkt
		}
	}
	return first
}

// errNoEligibleFlow is returned internally when newq and oldq are both
// empty; DequeueBegin surfaces this as a nil packet, not an error.
var errNoEligibleFlow = errors.New("fq: no eligible flow")

// selectQueue returns whichever of newq/oldq is non-empty, preferring
// newq, or nil if both are empty.
func (q *Queue) selectQueue() *ringQueue {
	if !q.newq.empty() {
		return &q.newq
	}
	if !q.oldq.empty() {
		return &q.oldq
	}
	return nil
}

// firstFlow walks the head of the selected queue, crediting deficit
// and demoting exhausted flows to oldq, until it finds a flow with
// positive deficit or exhausts both queues.
func (q *Queue) firstFlow() (FlowID, *ringQueue, error) {
	for {
		fq := q.selectQueue()
		if fq == nil {
			return 0, nil, errNoEligibleFlow
		}
		for {
			id, ok := fq.first()
			if !ok {
				break
			}
			f := &q.flows[id]
			if f.deficit <= 0 {
				f.deficit += q.quantum
				fq.popHead()
				q.oldq.pushTail(id)
				f.link = linkOld
				continue
			}
			return id, fq, nil
		}
	}
}

// nextFlow removes the just-serviced-and-exhausted head flow from fq
// (demoting it to oldq unless it is already draining oldq, in which
// case it is marked inactive and dropped from scheduling entirely),
// then returns the next eligible flow.
func (q *Queue) nextFlow(id FlowID, fq *ringQueue) (FlowID, *ringQueue, error) {
	fq.popHead()
	f := &q.flows[id]
	if fq == &q.newq {
		q.oldq.pushTail(id)
		f.link = linkOld
	} else {
		f.active = false
		f.link = linkNone
		metrics.FQActiveFlowsGauge.Dec()
	}
	return q.firstFlow()
}

// Cookie identifies the flow a begun-but-not-yet-committed dequeue
// came from, so DequeueCommit can finish popping it.
type Cookie struct {
	id FlowID
}

// DequeueBegin returns the next packet to transmit and a cookie
// identifying its flow, walking newq then oldq under deficit
// round-robin, skipping flows whose AQM dequeue yields no packet
// (demoting or deactivating them as it goes). Returns (nil, Cookie{},
// nil) if no flow has an eligible packet.
func (q *Queue) DequeueBegin(now aqm.Time) (aqm.Packet, Cookie, error) {
	id, fq, err := q.firstFlow()
	for err == nil {
		f := &q.flows[id]
		pkt, _, dpkts, dbytes := f.cd.DequeueBegin(q.params, now)
		if dpkts > 0 {
			q.dropPackets += uint64(dpkts)
			q.dropBytes += uint64(dbytes)
		}
		if pkt != nil {
			f.deficit -= pkt.Length()
			return pkt, Cookie{id: id}, nil
		}
		id, fq, err = q.nextFlow(id, fq)
	}
	return nil, Cookie{}, nil
}

// DequeueCommit pops the packet previously returned by DequeueBegin
// from its flow's CoDel queue and accounts the transmit counters. The
// begin/commit split lets a caller peek a packet for hardware
// descriptor availability before consuming it; no other operation may
// intervene between the two calls for the same cookie.
func (q *Queue) DequeueCommit(c Cookie) (aqm.Packet, error) {
	f := &q.flows[c.id]
	pkt, err := f.cd.Commit()
	if err != nil {
		return nil, err
	}
	q.xmitPackets++
	q.xmitBytes += uint64(pkt.Length())
	return pkt, nil
}

// Purge drains every flow's CoDel queue into sink.
func (q *Queue) Purge(sink *[]aqm.Packet) {
	for i := range q.flows {
		q.flows[i].cd.Purge(sink)
		if q.flows[i].active {
			metrics.FQActiveFlowsGauge.Dec()
		}
		q.flows[i].active = false
		q.flows[i].link = linkNone
	}
	q.newq = ringQueue{}
	q.oldq = ringQueue{}
}

// Stats returns the running transmit/drop packet and byte counters.
func (q *Queue) Stats() (xmitPackets, xmitBytes, dropPackets, dropBytes uint64) {
	return q.xmitPackets, q.xmitBytes, q.dropPackets, q.dropBytes
}

// FlowActive reports whether the given flow is currently linked into
// newq or oldq.
func (q *Queue) FlowActive(id FlowID) bool {
	return q.flows[id].active
}

// FlowDeficit returns the current deficit credit of a flow.
func (q *Queue) FlowDeficit(id FlowID) int {
	return q.flows[id].deficit
}

// FlowBacklog returns the byte backlog currently queued for a flow.
func (q *Queue) FlowBacklog(id FlowID) int {
	return q.flows[id].cd.Backlog()
}

// FlowDropping reports whether a flow's CoDel queue is currently in
// the dropping state.
func (q *Queue) FlowDropping(id FlowID) bool {
	return q.flows[id].cd.Dropping()
}
