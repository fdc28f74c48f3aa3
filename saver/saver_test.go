package saver_test

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/metrics"
	"github.com/m-lab/tcpkern/saver"
	"github.com/m-lab/tcpkern/snapshot"
	"github.com/m-lab/tcpkern/tcp"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func withTempDir(t *testing.T) func() {
	t.Helper()
	dir, err := ioutil.TempDir("", "tcpkern_saver_test")
	rtx.Must(err, "Could not create tempdir")
	oldDir, err := os.Getwd()
	rtx.Must(err, "Could not get working directory")
	rtx.Must(os.Chdir(dir), "Could not switch to temp dir %s", dir)
	return func() {
		rtx.Must(os.Chdir(oldDir), "Could not switch back to %s", oldDir)
		os.RemoveAll(dir)
	}
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var mm dto.Metric
	rtx.Must(m.Write(&mm), "could not read metric")
	return mm.GetCounter().GetValue()
}

func snap(id fq.FlowID, cwnd uint32) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Timestamp: time.Now(),
		FlowID:    id,
		Algorithm: "cubic",
		State:     tcp.ESTABLISHED,
		Cwnd:      cwnd,
	}
}

// TestMessageSaverLoop pushes a handful of batches through a Saver and
// checks that new flows, diffs, and expirations produce the expected
// file and metric side effects.
func TestMessageSaverLoop(t *testing.T) {
	defer withTempDir(t)()

	fileBefore := counterValue(t, metrics.NewFileCount)
	snapBefore := counterValue(t, metrics.SnapshotCount)

	svr := saver.NewSaver("foo", "bar", 1)
	batches := make(chan []*snapshot.Snapshot)
	go svr.MessageSaverLoop(batches)

	// Round 1: two new flows. 2 new files, 2 snapshots.
	batches <- []*snapshot.Snapshot{snap(1, 1000), snap(2, 2000)}

	// Round 2: flow 2 disappears (closed), flow 1 unchanged (no write).
	batches <- []*snapshot.Snapshot{snap(1, 1000)}

	// Round 3: flow 1's cwnd changes, triggering a write.
	batches <- []*snapshot.Snapshot{snap(1, 1500)}

	close(batches)
	svr.Done.Wait()

	if got := counterValue(t, metrics.NewFileCount) - fileBefore; got != 2 {
		t.Errorf("NewFileCount delta = %v, want 2", got)
	}
	// cache.EndCycle runs once per round: round 1 sees 2 flows, rounds
	// 2 and 3 see 1 flow each, for a total of 4 observations.
	if got := counterValue(t, metrics.SnapshotCount) - snapBefore; got != 4 {
		t.Errorf("SnapshotCount delta = %v, want 4", got)
	}

	names, err := filepath.Glob("foobar_*F00000001_*.zst")
	rtx.Must(err, "glob failed")
	if len(names) != 1 {
		t.Fatalf("expected exactly one file for flow 1, got %v", names)
	}
	names, err = filepath.Glob("foobar_*F00000002_*.zst")
	rtx.Must(err, "glob failed")
	if len(names) != 1 {
		t.Fatalf("expected exactly one file for flow 2, got %v", names)
	}
}

// TestClosingFlowSkipped verifies that a flow first observed already in
// a post-ESTABLISHED state is not turned into a new Connection.
func TestClosingFlowSkipped(t *testing.T) {
	defer withTempDir(t)()

	svr := saver.NewSaver("foo", "bar", 1)
	batches := make(chan []*snapshot.Snapshot)
	go svr.MessageSaverLoop(batches)

	closing := snap(9, 1000)
	closing.State = tcp.FIN_WAIT1
	batches <- []*snapshot.Snapshot{closing}

	close(batches)
	svr.Done.Wait()

	names, err := filepath.Glob("foobar_*F00000009_*.zst")
	rtx.Must(err, "glob failed")
	if len(names) != 0 {
		t.Fatalf("expected no file for a flow first seen already closing, got %v", names)
	}
}

func TestSaverIsACacheLogger(t *testing.T) {
	svr := saver.NewSaver("foo", "bar", 1)
	var cl saver.CacheLogger = svr
	cl.LogCacheStats(3, 0)
}

func TestStatsPrint(t *testing.T) {
	svr := saver.NewSaver("foo", "bar", 1)
	stats := svr.Stats()
	fmt.Sprintf("%v", stats) // Stats must be safe to format.
	stats.Print()
}
