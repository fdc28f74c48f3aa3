package eventsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/metrics"
)

// FlowEventType refers to the kind of flow notification that has occurred.
type FlowEventType int

const (
	// Active is sent when a flow starts offering traffic.
	Active = FlowEventType(iota)
	// Idle is sent when a flow stops offering traffic.
	Idle
	// Congested is sent when a flow's congestion-control state receives
	// a congestion signal; InRecovery reports whether the flow is in
	// fast or congestion recovery afterwards.
	Congested
)

var flowEventTypeName = map[FlowEventType]string{
	Active:    "Active",
	Idle:      "Idle",
	Congested: "Congested",
}

func (e FlowEventType) String() string {
	s, ok := flowEventTypeName[e]
	if !ok {
		return fmt.Sprintf("FlowEventType(%d)", int(e))
	}
	return s
}

// FlowEvent is the data that is sent down the socket in JSONL form to the
// clients. The FlowID, Timestamp, and Event fields will always be filled in,
// all other fields are optional.
type FlowEvent struct {
	Event     FlowEventType
	Timestamp time.Time
	FlowID    fq.FlowID
	// Algorithm and InRecovery are only populated for Congested events.
	Algorithm  string `json:",omitempty"`
	InRecovery bool   `json:",omitempty"`
}

// Server is the interface that has the methods that actually serve the events
// over the unix domain socket. You should make new Server objects with
// eventsocket.New or eventsocket.NullServer.
type Server interface {
	Listen() error
	Serve(context.Context) error
	FlowActive(timestamp time.Time, id fq.FlowID)
	FlowIdle(timestamp time.Time, id fq.FlowID)
	Congestion(timestamp time.Time, id fq.FlowID, algorithm string, inRecovery bool)
}

type server struct {
	eventC       chan *FlowEvent
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

func (s *server) addClient(c net.Conn) {
	log.Println("Adding new flow event client", c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.clients[c]
	if !ok {
		log.Println("Tried to remove flow event client", c, "that was not present")
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		_, err := fmt.Fprintln(c, data)
		if err != nil {
			log.Println("Write to client", c, "failed with error", err, " - removing the client.")
			// Remove in a goroutine because removeClient needs to grab the
			// mutex, so let the goroutine block until the mutex is released
			// when this method returns. This also prevents mid-iteration
			// modification of s.clients.
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		var b []byte
		var err error
		if event != nil {
			b, err = json.Marshal(*event)
		}
		if event == nil || err != nil {
			log.Printf("WARNING: Bad event received %v (err: %v)\n", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen returns quickly. After Listen has been called, connections to the
// server will not immediately fail. In order for them to succeed, Serve()
// should be called. This function should only be called once for a given
// Server.
func (s *server) Listen() error {
	// Add to the waitgroup inside Listen(), subtract from it in Serve(). That way,
	// even if the Serve() goroutine is scheduled weirdly, servingWG.Wait() will
	// definitely wait for Serve() to finish.
	s.servingWG.Add(1)
	var err error
	// Delete any existing socket file before trying to listen on it. Unclean
	// shutdowns can cause orphaned, stale socket files to hang around, causing
	// this service to fail to start because it can't create the socket.
	os.Remove(s.filename)
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve all clients that connect to this server until the context is canceled.
// It is expected that this will be called in a goroutine, after Listen has been
// called.  This function should only be called once for a given server.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	// When the context is canceled (which happens when this function exits, but
	// could happen sooner if the parent context is canceled), close the
	// listener and the internal channel. These two closes, along with the
	// context cancellation, should cause every other goroutine to terminate.
	s.servingWG.Add(1) // Add this cleanup goroutine to the waitgroup.
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			log.Printf("Could not Accept on socket %q: %s\n", s.filename, err)
			continue
		}
		s.addClient(conn)
	}
	return err
}

// FlowActive should be called whenever a flow starts offering traffic.
func (s *server) FlowActive(timestamp time.Time, id fq.FlowID) {
	s.eventC <- &FlowEvent{
		Event:     Active,
		Timestamp: timestamp,
		FlowID:    id,
	}
	metrics.FlowEventTotal.WithLabelValues("active").Inc()
}

// FlowIdle should be called whenever a flow stops offering traffic.
func (s *server) FlowIdle(timestamp time.Time, id fq.FlowID) {
	s.eventC <- &FlowEvent{
		Event:     Idle,
		Timestamp: timestamp,
		FlowID:    id,
	}
	metrics.FlowEventTotal.WithLabelValues("idle").Inc()
}

// Congestion should be called whenever a flow's congestion-control
// state receives a congestion signal; inRecovery reports whether the
// flow is in fast or congestion recovery afterwards.
func (s *server) Congestion(timestamp time.Time, id fq.FlowID, algorithm string, inRecovery bool) {
	s.eventC <- &FlowEvent{
		Event:      Congested,
		Timestamp:  timestamp,
		FlowID:     id,
		Algorithm:  algorithm,
		InRecovery: inRecovery,
	}
	metrics.FlowEventTotal.WithLabelValues("congested").Inc()
}

// New makes a new server that serves clients on the provided Unix domain socket.
func New(filename string) Server {
	c := make(chan *FlowEvent, 100)
	return &server{
		filename: filename,
		eventC:   c,
		clients:  make(map[net.Conn]struct{}),
	}
}

type nullServer struct{}

// Empty implementations that do no harm.
func (nullServer) Listen() error                                 { return nil }
func (nullServer) Serve(context.Context) error                   { return nil }
func (nullServer) FlowActive(time.Time, fq.FlowID)                {}
func (nullServer) FlowIdle(time.Time, fq.FlowID)                  {}
func (nullServer) Congestion(time.Time, fq.FlowID, string, bool)  {}

// NullServer returns a Server that does nothing. It is made so that code that
// may or may not want to use a eventsocket can receive a Server interface and
// not have to worry about whether it is nil.
func NullServer() Server {
	return nullServer{}
}
