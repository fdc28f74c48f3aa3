package collector

import (
	"time"

	"github.com/m-lab/tcpkern/cc"
	"github.com/m-lab/tcpkern/fq"
)

// BulkWorkload is the simplest Workload: a fixed set of always-active
// bulk senders, alternating between NewReno and Cubic, standing in
// for long-lived file-transfer-style flows.
type BulkWorkload struct {
	flows []*Flow
}

// NewBulkWorkload builds n bulk-sender flows with consecutive FlowIDs
// starting at 0, alternating congestion-control algorithms.
func NewBulkWorkload(n int, tun *cc.Tunables) (*BulkWorkload, error) {
	flows := make([]*Flow, n)
	for i := 0; i < n; i++ {
		var algo cc.Algorithm
		if i%2 == 0 {
			algo = &cc.NewReno{}
		} else {
			algo = &cc.Cubic{}
		}
		fl, err := NewFlow(fq.FlowID(i), algo, tun)
		if err != nil {
			return nil, err
		}
		flows[i] = fl
	}
	return &BulkWorkload{flows: flows}, nil
}

// Active implements Workload: every flow is active on every tick.
func (w *BulkWorkload) Active(now time.Time) []*Flow {
	return w.flows
}
