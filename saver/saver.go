// Package saver contains all logic for writing records to files.
//  1. Sets up a channel that accepts slices of *snapshot.Snapshot
//  2. Maintains a map of Connections, one for each flow.
//  3. Uses several marshaller goroutines to convert to JSON and write to
//     zstd files.
//  4. Rotates Connection output files every 10 minutes for long lasting flows.
//  5. uses a cache to detect meaningful state changes, and avoid excessive
//     writes.
package saver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/m-lab/tcpkern/cache"
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/metrics"
	"github.com/m-lab/tcpkern/snapshot"
	"github.com/m-lab/tcpkern/tcp"
	"github.com/m-lab/tcpkern/zstd"
)

// We will send an entire batch of prefiltered Snapshots through a channel from
// the collection loop to the top level saver.  The saver will detect new flows
// and significant diffs, maintain the flow cache, determine how frequently to
// save deltas for each flow.
//
// The saver will use a small set of Marshallers to convert snapshots to JSON
// and write them to files.

// Errors generated by saver functions.
var (
	ErrNoMarshallers = errors.New("Saver has zero Marshallers")
)

// Task represents a single marshalling task, specifying the message and the writer.
type Task struct {
	// nil message means close the writer.
	Message *snapshot.Snapshot
	Writer  io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for {
		task, ok := <-taskChan
		if !ok {
			break
		}
		if task.Message == nil {
			task.Writer.Close()
			continue
		}
		if task.Writer == nil {
			log.Fatal("Nil writer")
		}
		wire, err := json.Marshal(task.Message)
		if err != nil {
			log.Println(err)
		} else {
			// For each record, write the size of the record, followed by the record itself.
			size := make([]byte, 9)
			lsize := binary.PutUvarint(size, uint64(len(wire))) // task.Writer
			_, err = task.Writer.Write(size[:lsize])
			if err != nil {
				log.Println(err)
			}
			_, err = task.Writer.Write(wire)
			if err != nil {
				log.Println(err)
			}
		}
	}
	log.Println("Marshaller Done")
	wg.Done()
}

func NewMarshaller(wg *sync.WaitGroup) MarshalChan {
	marshChan := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(marshChan, wg)
	return marshChan
}

// Connection objects handle all output associated with a single flow.
type Connection struct {
	FlowID     fq.FlowID
	Slice      string    // 4 hex, indicating which machine segment this is on.
	StartTime  time.Time // Time the flow was first observed.
	Sequence   int       // Typically zero, but increments for long running flows.
	Expiration time.Time // Time we will swap files and increment Sequence.
	Writer     io.WriteCloser
}

func NewConnection(id fq.FlowID, timestamp time.Time) *Connection {
	return &Connection{FlowID: id, Slice: "", StartTime: timestamp, Sequence: 0, Expiration: time.Now()}
}

// Rotate opens the next writer for a flow.
func (conn *Connection) Rotate(Host string, Pod string, FileAgeLimit time.Duration) error {
	date := conn.StartTime.Format("20060102Z150405.000")
	var err error
	conn.Writer, err = zstd.NewWriter(fmt.Sprintf("%s%s_%sF%08d_%05d.zst", Host, Pod, date, conn.FlowID, conn.Sequence))
	if err != nil {
		return err
	}
	metrics.NewFileCount.Inc()
	conn.Expiration = conn.Expiration.Add(FileAgeLimit)
	conn.Sequence++
	return nil
}

type Stats struct {
	TotalCount   int
	NewCount     int
	DiffCount    int
	ExpiredCount int
}

// Print prints out some basic stats about saver use.
func (stats *Stats) Print() {
	log.Printf("Cache info total %d same %d diff %d new %d closed %d\n",
		stats.TotalCount, stats.TotalCount-(stats.NewCount+stats.DiffCount),
		stats.DiffCount, stats.NewCount, stats.ExpiredCount)
}

// Saver provides functionality for saving flow snapshots to files.
// It handles arbitrary flows, and only writes to file when the
// significant fields change.
type Saver struct {
	Host         string // mlabN
	Pod          string // 3 alpha + 2 decimal
	FileAgeLimit time.Duration
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup // All marshallers will call Done on this.
	Connections  map[fq.FlowID]*Connection

	cache *cache.Cache
	stats Stats
}

// NewSaver creates a new Saver for the given host and pod.  numMarshaller controls
// how many marshalling goroutines are used to distribute the marshalling workload.
func NewSaver(host string, pod string, numMarshaller int) *Saver {
	m := make([]MarshalChan, 0, numMarshaller)
	c := cache.NewCache()
	// We start with capacity of 500.  This will be reallocated as needed, but this
	// is not a performance concern.
	conn := make(map[fq.FlowID]*Connection, 500)
	wg := &sync.WaitGroup{}
	ageLim := 10 * time.Minute

	for i := 0; i < numMarshaller; i++ {
		m = append(m, NewMarshaller(wg))
	}
	return &Saver{Host: host, Pod: pod, FileAgeLimit: ageLim, MarshalChans: m, Done: wg, Connections: conn, cache: c}
}

// queue queues a single Snapshot to the appropriate marshalling queue,
// based on the flow's FlowID.
func (svr *Saver) queue(snap *snapshot.Snapshot) error {
	if len(svr.MarshalChans) < 1 {
		return ErrNoMarshallers
	}
	q := svr.MarshalChans[int(uint64(snap.FlowID)%uint64(len(svr.MarshalChans)))]
	conn, ok := svr.Connections[snap.FlowID]
	if !ok {
		// Likely first time we have seen this flow.  Create a new
		// Connection, unless the flow is already closing.
		if snap.State >= tcp.FIN_WAIT1 {
			log.Println("Skipping", snap.FlowID, snap.Timestamp)
			return nil
		}
		if svr.cache.CycleCount() > 0 || snap.State != tcp.ESTABLISHED {
			log.Println("New flow:", snap.FlowID, snap.Timestamp)
		}
		conn = NewConnection(snap.FlowID, snap.Timestamp)
		svr.Connections[snap.FlowID] = conn
	}
	if time.Now().After(conn.Expiration) && conn.Writer != nil {
		q <- Task{nil, conn.Writer} // Close the previous file.
		conn.Writer = nil
	}
	if conn.Writer == nil {
		err := conn.Rotate(svr.Host, svr.Pod, svr.FileAgeLimit)
		if err != nil {
			return err
		}
	}
	q <- Task{snap, conn.Writer}
	return nil
}

func (svr *Saver) endConn(id fq.FlowID) {
	q := svr.MarshalChans[uint64(id)%uint64(len(svr.MarshalChans))]
	conn, ok := svr.Connections[id]
	if ok && conn.Writer != nil {
		q <- Task{nil, conn.Writer}
		delete(svr.Connections, id)
	}
}

// MessageSaverLoop runs a loop to receive batches of Snapshots.
func (svr *Saver) MessageSaverLoop(groupChan chan []*snapshot.Snapshot) {
	log.Println("Starting Saver")
	for {
		snaps, ok := <-groupChan
		if !ok {
			break
		}

		for i := range snaps {
			if snaps[i] == nil {
				log.Println("Error")
				continue
			}
			svr.swapAndQueue(snaps[i])
		}
		residual := svr.cache.EndCycle()

		for id := range residual {
			svr.endConn(id)
			svr.stats.ExpiredCount++
		}
	}
	svr.Close()
	svr.Stats()
}

func (svr *Saver) swapAndQueue(snap *snapshot.Snapshot) {
	svr.stats.TotalCount++
	old := svr.cache.Update(snap)
	if old == nil {
		svr.stats.NewCount++
		err := svr.queue(snap)
		if err != nil {
			log.Println(err)
			log.Println("Connections", len(svr.Connections))
		}
	} else {
		if old.FlowID != snap.FlowID {
			log.Println("Mismatched FlowIDs", old.FlowID, snap.FlowID)
		}
		if significantChange(old, snap) {
			svr.stats.DiffCount++
			err := svr.queue(snap)
			if err != nil {
				log.Println(err)
			}
		}
	}
}

// significantChange reports whether any AQM, FQ or CC field that
// matters for trend analysis differs between two consecutive
// snapshots of the same flow, so unchanged steady-state flows don't
// spam the archive with duplicate records.
func significantChange(old, cur *snapshot.Snapshot) bool {
	return old.Cwnd != cur.Cwnd ||
		old.Ssthresh != cur.Ssthresh ||
		old.State != cur.State ||
		old.FastRecovery != cur.FastRecovery ||
		old.CongRecovery != cur.CongRecovery ||
		old.Dropping != cur.Dropping ||
		old.Active != cur.Active
}

// Close shuts down all the marshallers, and waits for all files to be closed.
func (svr *Saver) Close() {
	log.Println("Terminating Saver")
	log.Println("Total of", len(svr.Connections), "connections active.")
	for id := range svr.Connections {
		svr.endConn(id)
	}
	log.Println("Closing Marshallers")
	for i := range svr.MarshalChans {
		close(svr.MarshalChans[i])
	}
	svr.Done.Wait()
}

// Stats returns the saver Stats.
func (svr *Saver) Stats() Stats {
	return svr.stats
}

// CacheLogger lets a workload generator report its running flow and
// error totals without depending on Saver directly.
type CacheLogger interface {
	LogCacheStats(totalFlows, errCount int)
}

// LogCacheStats implements CacheLogger, logging the flow and error
// totals it is given alongside the number of open Connections.
func (svr *Saver) LogCacheStats(totalFlows, errCount int) {
	log.Printf("Produced %d flows, %d errors so far. %d connections active.\n",
		totalFlows, errCount, len(svr.Connections))
}
