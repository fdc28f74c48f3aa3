// flow-monitor is a minimal reference implementation of a tcpkern
// eventsocket client: it connects to the socket and logs every flow
// lifecycle and congestion event it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/tcpkern/eventsocket"
	"github.com/m-lab/tcpkern/fq"
)

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// event is one flow lifecycle or congestion notification queued for
// asynchronous processing.
type event struct {
	timestamp time.Time
	id        fq.FlowID
	kind      string
	algorithm string
	recovery  bool
}

// handler implements the eventsocket.Handler interface.
type handler struct {
	events chan event
}

// Active is called synchronously for every flow-activation event.
func (h *handler) Active(ctx context.Context, timestamp time.Time, id fq.FlowID) {
	log.Println("active", id, timestamp)
	h.events <- event{timestamp: timestamp, id: id, kind: "active"}
}

// Idle is called synchronously for every flow-idle event.
func (h *handler) Idle(ctx context.Context, timestamp time.Time, id fq.FlowID) {
	log.Println("idle  ", id, timestamp)
	h.events <- event{timestamp: timestamp, id: id, kind: "idle"}
}

// Congestion is called synchronously for every congestion-response event.
func (h *handler) Congestion(ctx context.Context, timestamp time.Time, id fq.FlowID, algorithm string, inRecovery bool) {
	log.Println("cong  ", id, timestamp, algorithm, inRecovery)
	h.events <- event{timestamp: timestamp, id: id, kind: "congestion", algorithm: algorithm, recovery: inRecovery}
}

// processEvents drains and logs events queued by the handler callbacks.
func (h *handler) processEvents(ctx context.Context) {
	for {
		select {
		case e := <-h.events:
			log.Println("processing", e)
		case <-ctx.Done():
			log.Println("shutdown")
			return
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *eventsocket.Filename == "" {
		panic("-tcpkern.eventsocket path is required")
	}

	h := &handler{events: make(chan event)}

	// Process events received by the eventsocket handler. The goroutine will
	// block until the first event arrives.
	go h.processEvents(mainCtx)

	// Begin listening on the eventsocket for new events, and dispatch them to
	// the given handler.
	go eventsocket.MustRun(mainCtx, *eventsocket.Filename, h)

	<-mainCtx.Done()
	fmt.Println("ok")
}
