// tcpkernsim drives the synthetic AQM/FQ/CC workload simulation and
// archives the resulting per-flow snapshots, optionally publishing
// flow lifecycle and congestion events over an eventsocket.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"log"
	"math/rand"
	"os"
	"runtime"
	"runtime/trace"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	_ "net/http/pprof" // Support profiling

	"github.com/m-lab/tcpkern/aes"
	"github.com/m-lab/tcpkern/cc"
	"github.com/m-lab/tcpkern/collector"
	"github.com/m-lab/tcpkern/eventsocket"
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/metrics"
	"github.com/m-lab/tcpkern/saver"
	"github.com/m-lab/tcpkern/snapshot"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	reps        = flag.Int("reps", 0, "How many cycles should be recorded, 0 means continuous")
	enableTrace = flag.Bool("trace", false, "Enable trace")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port. Default is ':9090'")
	outputDir   = flag.String("output", "", "Directory in which to put the resulting tree of data. Default is the current directory.")
	numFlows    = flag.Int("flows", 100, "Number of simulated bulk flows in the workload")
	quantum     = flag.Int("quantum", 1514, "FQ-CoDel service quantum and per-flow CoDel quantum threshold, in bytes")

	ctx, cancel = context.WithCancel(context.Background())
)

// mathRand adapts the global math/rand source to fq.Rand, for the
// untagged-packet classification path fq.New requires but this
// workload never actually exercises (every synthetic segment carries
// its own flow tag).
type mathRand struct{}

func (mathRand) IntN(n int) int { return rand.Intn(n) }

// aesKAT is one FIPS-197 known-answer vector checked at startup.
type aesKAT struct {
	name        string
	key, pt, ct string
}

var aesKATs = []aesKAT{
	{
		name: "AES-128",
		key:  "000102030405060708090A0B0C0D0E0F",
		pt:   "00112233445566778899AABBCCDDEEFF",
		ct:   "69C4E0D86A7B0430D8CDB78070B4C55A",
	},
	{
		name: "AES-256",
		key:  "000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F",
		pt:   "00112233445566778899AABBCCDDEEFF",
		ct:   "8EA2B7CA516745BFEAFC49904B496089",
	},
}

// checkAESSelfTest runs the FIPS-197 known-answer vectors against the
// bitsliced cipher at startup and counts any mismatch in
// AESKATFailureTotal rather than silently running with a corrupted
// cipher.
func checkAESSelfTest() {
	for _, tc := range aesKATs {
		key, err := hex.DecodeString(tc.key)
		rtx.Must(err, "bad self-check key for %s", tc.name)
		pt, err := hex.DecodeString(tc.pt)
		rtx.Must(err, "bad self-check plaintext for %s", tc.name)
		want, err := hex.DecodeString(tc.ct)
		rtx.Must(err, "bad self-check ciphertext for %s", tc.name)

		c, err := aes.NewCipher(key)
		rtx.Must(err, "self-check NewCipher for %s", tc.name)

		var src, got [aes.BlockSize]byte
		copy(src[:], pt)
		c.Encrypt(&got, &src)
		if !bytes.Equal(got[:], want) {
			metrics.AESKATFailureTotal.Inc()
			log.Printf("AES KAT self-check failed for %s: got %x, want %x", tc.name, got, want)
		}
	}
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	checkAESSelfTest()

	if *outputDir != "" {
		rtx.Must(os.Chdir(*outputDir), "Could not change to the directory %s", *outputDir)
	}

	// Performance instrumentation.
	runtime.SetBlockProfileRate(1000000) // 1 sample/msec
	runtime.SetMutexProfileFraction(1000)

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	if *enableTrace {
		traceFile, err := os.Create("trace")
		rtx.Must(err, "Could not create trace file")
		rtx.Must(trace.Start(traceFile), "failed to start trace: %v", err)
		defer trace.Stop()
	}

	// Serve flow lifecycle/congestion events over the eventsocket, if a
	// socket path was given; otherwise notifications are discarded.
	es := eventsocket.NullServer()
	if *eventsocket.Filename != "" {
		es = eventsocket.New(*eventsocket.Filename)
		rtx.Must(es.Listen(), "Could not listen on %q", *eventsocket.Filename)
		go func() {
			rtx.Must(es.Serve(ctx), "eventsocket.Serve failed")
		}()
	}

	q, err := fq.New(*numFlows, *quantum, 0, mathRand{})
	rtx.Must(err, "Could not build fq.Queue")
	wl, err := collector.NewBulkWorkload(*numFlows, cc.DefaultTunables())
	rtx.Must(err, "Could not build workload")

	// Make the saver and construct the message channel, buffering up to 2
	// batches of messages without stalling the collector. We may want to
	// increase the buffer if we observe the collector stalling.
	svrChan := make(chan []*snapshot.Snapshot, 2)
	svr := saver.NewSaver("host", "pod", 3)
	go svr.MessageSaverLoop(svrChan)

	// Run the collector, possibly forever.
	totalSeen, totalErr := collector.Run(ctx, *reps, svrChan, svr, q, wl, es)

	// Shut down and clean up after the collector terminates.
	close(svrChan)
	svr.Done.Wait()
	svr.LogCacheStats(totalSeen, totalErr)
	cancel()
}
