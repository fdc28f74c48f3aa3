// Package collector drives a synthetic packet/ACK workload through an
// fq.Queue and a set of cc.ControlBlock flows, producing periodic
// snapshot.Snapshot batches for the saver. There is no live kernel
// netlink socket here: this is a user-space simulation of the
// AQM/FQ/CC path, not a tool for introspecting a running TCP stack.
// Transmission and acknowledgment are collapsed into the same tick
// (there is no separate propagation-delay queue), so Srtt growth
// comes entirely from the algorithm's own RTT bookkeeping rather than
// from simulated wire delay.
package collector

import (
	"context"
	"log"
	"time"

	"github.com/m-lab/tcpkern/aqm"
	"github.com/m-lab/tcpkern/cc"
	"github.com/m-lab/tcpkern/eventsocket"
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/metrics"
	"github.com/m-lab/tcpkern/saver"
	"github.com/m-lab/tcpkern/snapshot"
)

// SegmentSize is the synthetic MSS every simulated flow sends.
const SegmentSize = 1460

// packet is the synthetic fq.Packet every generated segment is
// wrapped in; its flow tag is its own FlowID, so FQ's Classify always
// routes it back to the flow that generated it.
type packet struct {
	flow fq.FlowID
}

func (p packet) Length() int { return SegmentSize }

// FlowTag implements fq.Packet.
func (p packet) FlowTag() (uint32, bool) { return uint32(p.flow), true }

// Flow is one simulated connection: an FQ flow slot paired with its
// own congestion-control state.
type Flow struct {
	ID fq.FlowID
	CV *cc.ControlBlock
}

// NewFlow builds a Flow running algo, with Maxseg set to SegmentSize
// and the sender-side window initialized via cc.ConnInit.
func NewFlow(id fq.FlowID, algo cc.Algorithm, tun *cc.Tunables) (*Flow, error) {
	cv, err := cc.NewControlBlock(algo, tun)
	if err != nil {
		return nil, err
	}
	cv.Maxseg = SegmentSize
	cv.Wnd = 64 * 1024
	cc.ConnInit(cv)
	return &Flow{ID: id, CV: cv}, nil
}

// Workload decides, each tick, which flows should offer a cwnd's
// worth of new segments. Flows not returned on a given tick are
// considered idle for that tick; FQ itself retires a flow once its
// queue has fully drained.
type Workload interface {
	Active(now time.Time) []*Flow
}

// appendAll enqueues a cwnd's worth of segments for every active flow.
// Whenever an enqueue makes FQ prune a packet (the overload drop
// Enqueue returns), the enqueuing flow's congestion-control state gets
// a fast-retransmit-equivalent signal (SigNDupAck) rather than a full
// retransmit timeout, and es is notified. Packets that CoDel's control
// law drops during dequeue are not signalled to any flow.
func appendAll(now time.Time, es eventsocket.Server, q *fq.Queue, aqmNow aqm.Time, flows []*Flow) {
	for _, fl := range flows {
		segs := int(fl.CV.Cwnd / SegmentSize)
		if segs < 1 {
			segs = 1
		}
		for i := 0; i < segs; i++ {
			_, dropped := q.Enqueue(aqmNow, packet{flow: fl.ID})
			if dropped != nil {
				cc.CongSignal(fl.CV, cc.SigNDupAck, fl.CV.Max, true)
				es.Congestion(now, fl.ID, fl.CV.Algo.Name(), fl.CV.InRecovery())
			}
			fl.CV.Max += SegmentSize
		}
	}
}

// drain dequeues every packet the scheduler is willing to transmit
// this tick and immediately acknowledges it against the owning flow.
func drain(q *fq.Queue, now aqm.Time, byID map[fq.FlowID]*Flow) int {
	xmit := 0
	for {
		pkt, cookie, err := q.DequeueBegin(now)
		if err != nil || pkt == nil {
			return xmit
		}
		if _, err := q.DequeueCommit(cookie); err != nil {
			return xmit
		}
		xmit++
		sp, ok := pkt.(packet)
		if !ok {
			continue
		}
		fl, ok := byID[sp.flow]
		if !ok {
			continue
		}
		fl.CV.Una += uint32(pkt.Length())
		cc.AckReceived(fl.CV, fl.CV.Una, cc.AckRegular)
		if fl.CV.InRecovery() && fl.CV.Una > fl.CV.SndLast {
			cc.PostRecovery(fl.CV, fl.CV.Una)
			fl.CV.ExitRecovery()
		}
	}
}

// snapshotFlow builds the Snapshot for one flow's current state.
func snapshotFlow(now time.Time, q *fq.Queue, fl *Flow) *snapshot.Snapshot {
	s := &snapshot.Snapshot{
		Timestamp: now,
		FlowID:    fl.ID,
		Backlog:   q.FlowBacklog(fl.ID),
		Dropping:  q.FlowDropping(fl.ID),
		Deficit:   q.FlowDeficit(fl.ID),
		Active:    q.FlowActive(fl.ID),
	}
	s.FromControlBlock(fl.CV)
	metrics.CCCwndHistogram.WithLabelValues(fl.CV.Algo.Name()).
		Observe(float64(fl.CV.Cwnd) / float64(fl.CV.Maxseg))
	return s
}

// Run drives the workload for the specified number of ticks, or
// forever if reps is zero, sending a batch of Snapshots to svrChan
// once per tick, and notifying es of flow activation/idling and
// congestion events along the way. It returns the number of active
// flows summed over every tick of the run, and an error count; nothing
// in the loop reports an error, so the error count is always zero.
func Run(ctx context.Context, reps int, svrChan chan<- []*snapshot.Snapshot, cl saver.CacheLogger, q *fq.Queue, wl Workload, es eventsocket.Server) (activeCount, errCount int) {
	totalXmit := 0
	loops := 0
	wasActive := map[fq.FlowID]bool{}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for loops = 0; (reps == 0 || loops < reps) && (ctx.Err() == nil); loops++ {
		now := time.Now()
		flows := wl.Active(now)
		byID := make(map[fq.FlowID]*Flow, len(flows))
		nowActive := make(map[fq.FlowID]bool, len(flows))
		for _, fl := range flows {
			byID[fl.ID] = fl
			nowActive[fl.ID] = true
			if !wasActive[fl.ID] {
				es.FlowActive(now, fl.ID)
			}
		}
		for id := range wasActive {
			if !nowActive[id] {
				es.FlowIdle(now, id)
			}
		}
		wasActive = nowActive

		aqmNow := aqm.Time(now.UnixMicro())
		appendAll(now, es, q, aqmNow, flows)
		totalXmit += drain(q, aqmNow, byID)

		batch := make([]*snapshot.Snapshot, 0, len(flows))
		for _, fl := range flows {
			batch = append(batch, snapshotFlow(now, q, fl))
		}
		activeCount += len(flows)
		svrChan <- batch

		if loops%6000 == 0 {
			cl.LogCacheStats(activeCount, errCount)
		}

		<-ticker.C
	}

	if loops > 0 {
		log.Println(totalXmit, "segments transmitted,", totalXmit/loops, "per iteration")
	}
	return activeCount, errCount
}
