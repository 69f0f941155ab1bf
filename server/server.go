// Package server hosts the notebook and drives the two pipelines that
// serialize all work against it: the request pipeline (client commands)
// and the response pipeline (worker results and synthesized responses).
//
// Structural notebook mutation happens inside the response-pipeline
// driver; the request path only reads the model to locate cells and
// workers, except for code updates, which apply immediately so a run
// queued behind the update sees the new code.  A read-write mutex guards
// the model between the two drivers and the snapshot endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/forknote-backend/config"
	"github.com/whisper-darkly/forknote-backend/message"
	"github.com/whisper-darkly/forknote-backend/notebook"
	"github.com/whisper-darkly/forknote-backend/pipeline"
	"github.com/whisper-darkly/forknote-backend/store"
	"github.com/whisper-darkly/forknote-backend/worker"
)

const eventDetailLimit = 500

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The GUI is served from the same origin in production; CORS belongs to
	// a reverse proxy when it isn't.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Item is one unit of work on the response pipeline: a message tagged with
// the worker that produced it, or a worker-exit notification.
type Item struct {
	Msg    message.Message
	Sender *worker.Worker
	Exited bool
}

// Server owns the notebook, the connected clients, the worker table and
// both pipelines.
type Server struct {
	cfg *config.Global
	st  store.Store

	nbMu sync.RWMutex
	nb   *notebook.Notebook

	requests  *pipeline.Pipeline[message.Request]
	responses *pipeline.Pipeline[Item]

	mu      sync.Mutex
	users   map[*client]struct{}
	workers map[string]*worker.Worker // worker id → worker
	sockets map[string]struct{}       // rendezvous socket paths created by this server

	baseURL string
	ctx     context.Context
}

// client is one connected WebSocket user.  Writes happen only from the
// response-pipeline driver, so no write lock is needed.
type client struct {
	conn *websocket.Conn
}

// New creates a Server.  Call Start before serving traffic.
func New(cfg *config.Global, st store.Store) *Server {
	s := &Server{
		cfg:     cfg,
		st:      st,
		nb:      notebook.New(),
		users:   make(map[*client]struct{}),
		workers: make(map[string]*worker.Worker),
		sockets: make(map[string]struct{}),
	}
	s.requests = pipeline.New(s.handleRequest)
	s.responses = pipeline.New(s.handleResponse)

	d := cfg.Get()
	host := d.Addr
	if host == "0.0.0.0" || host == "" {
		// Workers run on this host; callbacks go over loopback.
		host = "127.0.0.1"
	}
	s.baseURL = fmt.Sprintf("http://%s:%d", host, d.Port)
	return s
}

// SetBaseURL overrides the URL workers use to reach the server's callback
// and sidechannel endpoints.
func (s *Server) SetBaseURL(u string) { s.baseURL = u }

// Start launches both pipeline drivers.
func (s *Server) Start(ctx context.Context) {
	s.ctx = ctx
	s.requests.Start(ctx)
	s.responses.Start(ctx)
}

// Stop cancels the pipeline drivers, terminates all workers and removes
// any rendezvous sockets this server created.
func (s *Server) Stop() {
	s.requests.Stop()
	s.responses.Stop()

	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	sockets := make([]string, 0, len(s.sockets))
	for p := range s.sockets {
		sockets = append(sockets, p)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	for _, p := range sockets {
		_ = os.Remove(p)
	}
}

// ---- request dispatch ----

func (s *Server) handleRequest(ctx context.Context, req message.Request) {
	switch m := req.(type) {
	case *message.CreateCell:
		if m.Parent != "" {
			s.fork(ctx, m, m.Parent)
			return
		}
		s.create(m)

	case *message.ForkCell:
		s.fork(ctx, m, m.Parent)

	case *message.UpdateCell:
		// Apply immediately so a RunCell queued right behind this request
		// sees the new code; the DidUpdateCell on the response pipeline
		// re-applies the same value and broadcasts in order.
		s.nbMu.Lock()
		s.nb.Apply(m)
		s.nbMu.Unlock()
		res := &message.DidUpdateCell{Base: message.Base{Id: message.NewID()}, Request: m}
		s.responses.Put(Item{Msg: res})

	case *message.RunCell:
		s.nbMu.RLock()
		cell := s.nb.Cell(m.Cell)
		var code string
		var w *worker.Worker
		if cell != nil {
			code, w = cell.Code, cell.Worker
		}
		s.nbMu.RUnlock()

		if cell == nil {
			log.Printf("server: run %s: unknown cell %q", m.ID(), m.Cell)
			return
		}
		if w == nil || !w.Alive() {
			log.Printf("server: run %s: cell %q has no live worker", m.ID(), m.Cell)
			return
		}
		w.Run(m, code)

	default:
		// Unknown requests are no-ops.
	}
}

// create spawns a fresh root worker; the DidCreateCell arrives through the
// response pipeline once the worker's bootstrap reports ready.
func (s *Server) create(req *message.CreateCell) {
	w := worker.New(s.cfg.Get(), s.baseURL, s.emit, s.exited)
	if err := w.StartRoot(s.ctx, req); err != nil {
		log.Printf("server: create %s: %v", req.ID(), err)
		return
	}
	s.track(w)
}

// fork creates the child-side rendezvous listener, waits until it is
// accepting, then commands the parent worker to execute the fork snippet.
// That ordering is essential: the forked child must never dial before the
// listener exists.
func (s *Server) fork(ctx context.Context, req message.Request, parentName string) {
	s.nbMu.RLock()
	parent := s.nb.Cell(parentName)
	var pw *worker.Worker
	if parent != nil {
		pw = parent.Worker
	}
	s.nbMu.RUnlock()

	if parent == nil {
		log.Printf("server: fork %s: unknown cell %q", req.ID(), parentName)
		return
	}
	if pw == nil || !pw.Alive() {
		log.Printf("server: fork %s: parent %q is not ready", req.ID(), parentName)
		return
	}

	w := worker.New(s.cfg.Get(), s.baseURL, s.emit, s.exited)
	addr := worker.SocketAddress()
	ready := make(chan struct{})

	go w.StartFork(s.ctx, req, addr, ready)

	select {
	case <-ready:
	case <-ctx.Done():
		return
	}
	if !w.Alive() {
		log.Printf("server: fork %s: listener failed", req.ID())
		return
	}

	s.track(w)
	s.mu.Lock()
	s.sockets[addr] = struct{}{}
	s.mu.Unlock()

	pw.Fork(req, addr)
}

func (s *Server) track(w *worker.Worker) {
	s.mu.Lock()
	s.workers[w.ID()] = w
	s.mu.Unlock()
}

// emit is handed to every worker; it feeds the response pipeline.
func (s *Server) emit(msg message.Message, sender *worker.Worker) {
	s.responses.Put(Item{Msg: msg, Sender: sender})
}

// exited is handed to every worker; death is folded in through the
// response pipeline like everything else, so the model stays serialized.
func (s *Server) exited(w *worker.Worker) {
	s.responses.Put(Item{Sender: w, Exited: true})
}

// ---- response dispatch ----

func (s *Server) handleResponse(ctx context.Context, item Item) {
	if item.Exited {
		s.workerExited(ctx, item.Sender)
		return
	}

	switch m := item.Msg.(type) {
	case *message.DidCreateCell:
		s.nbMu.Lock()
		s.nb.Apply(m)
		s.nb.Bind(m.Request.Cell, item.Sender)
		s.nbMu.Unlock()
		s.record(ctx, m.Request.Cell, item.Sender, store.EventCreated, "")

	case *message.DidForkCell:
		s.nbMu.Lock()
		s.nb.Apply(m)
		s.nb.Bind(m.Request.Cell, item.Sender)
		s.nbMu.Unlock()
		s.record(ctx, m.Request.Cell, item.Sender, store.EventForked, "parent="+m.Request.Parent)

	case *message.DidUpdateCell:
		s.nbMu.Lock()
		s.nb.Apply(m)
		s.nbMu.Unlock()

	case *message.DidRunCell:
		s.record(ctx, m.Request.Cell, item.Sender, store.EventRan, "")

	case *message.Stdout:
		if m.Cell == "" {
			s.nbMu.RLock()
			m.Cell = s.nb.NameOf(item.Sender)
			s.nbMu.RUnlock()
		}
		if m.Cell == "" {
			// Output from a worker whose cell never materialized.
			return
		}
		s.nbMu.Lock()
		s.nb.Apply(m)
		s.nbMu.Unlock()
		if s.st != nil {
			if err := s.st.AppendOutput(ctx, m.Cell, m.Text); err != nil {
				log.Printf("server: store output for %q: %v", m.Cell, err)
			}
		}

	default:
		s.nbMu.Lock()
		s.nb.Apply(item.Msg)
		s.nbMu.Unlock()
	}

	s.broadcast(item.Msg)
}

func (s *Server) workerExited(ctx context.Context, w *worker.Worker) {
	s.nbMu.RLock()
	name := s.nb.NameOf(w)
	s.nbMu.RUnlock()

	if name == "" {
		log.Printf("server: unbound worker %s exited", w.ID())
		return
	}
	log.Printf("server: worker for cell %q exited", name)
	s.record(ctx, name, w, store.EventExited, "")
}

func (s *Server) record(ctx context.Context, cell string, w *worker.Worker, ev store.EventType, detail string) {
	if s.st == nil {
		return
	}
	if len(detail) > eventDetailLimit {
		detail = detail[:eventDetailLimit]
	}
	workerID := ""
	if w != nil {
		workerID = w.ID()
	}
	if err := s.st.RecordCellEvent(ctx, cell, workerID, ev, detail); err != nil {
		log.Printf("server: record %s event for %q: %v", ev, cell, err)
	}
}

// ---- callback / sidechannel hooks ----

// OnCallback converts a worker's run-completion POST (the original run
// request) into a DidRunCell on the response pipeline.
func (s *Server) OnCallback(msg message.Message) {
	req, ok := msg.(*message.RunCell)
	if !ok {
		if done, isDone := msg.(*message.DidRunCell); isDone {
			s.responses.Put(Item{Msg: done})
			return
		}
		log.Printf("server: callback: unexpected %s message", msg.Type())
		return
	}
	res := &message.DidRunCell{Base: message.Base{Id: message.NewID()}, Request: req}
	s.responses.Put(Item{Msg: res})
}

// OnSidechannel feeds an out-of-band output message into the response
// pipeline.  The cell field is set by the snippet the worker executed.
func (s *Server) OnSidechannel(msg message.Message) {
	out, ok := msg.(*message.Stdout)
	if !ok {
		log.Printf("server: sidechannel: unexpected %s message", msg.Type())
		return
	}
	s.responses.Put(Item{Msg: out})
}

// ---- clients ----

// ServeWS upgrades the connection and runs the client's inbound reader,
// which enqueues requests in arrival order.  Blocks until the connection
// closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{conn: conn}
	s.mu.Lock()
	s.users[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.users, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := message.Decode(raw)
		if err != nil {
			log.Printf("server: client message: %v", err)
			continue
		}
		req, ok := msg.(message.Request)
		if !ok {
			log.Printf("server: dropping client %s message", msg.Type())
			continue
		}
		s.requests.Put(req)
	}
}

// broadcast fans a message out to every connected client.  A failed write
// drops that client and moves on; one broken connection must not starve
// the rest.
func (s *Server) broadcast(msg message.Message) {
	raw, err := message.Encode(msg)
	if err != nil {
		log.Printf("server: encode %s: %v", msg.Type(), err)
		return
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.users))
	for c := range s.users {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			s.mu.Lock()
			delete(s.users, c)
			s.mu.Unlock()
			c.conn.Close()
		}
	}
}

// ---- introspection ----

// Snapshot returns the notebook serialized as JSON.
func (s *Server) Snapshot() ([]byte, error) {
	s.nbMu.RLock()
	defer s.nbMu.RUnlock()
	return json.Marshal(s.nb)
}

// Health summarises the server's runtime state.
func (s *Server) Health() map[string]any {
	s.nbMu.RLock()
	cells := len(s.nb.Cells)
	live := 0
	for _, c := range s.nb.Cells {
		if c.Worker != nil && c.Worker.Alive() {
			live++
		}
	}
	s.nbMu.RUnlock()

	s.mu.Lock()
	clients := len(s.users)
	s.mu.Unlock()

	return map[string]any{
		"status":  "ok",
		"cells":   cells,
		"workers": live,
		"clients": clients,
	}
}

// Events returns the persisted lifecycle events for a cell.
func (s *Server) Events(ctx context.Context, cell string, limit int) ([]store.CellEvent, error) {
	if s.st == nil {
		return nil, nil
	}
	return s.st.RecentCellEvents(ctx, cell, limit)
}

// Outputs returns the persisted output history for a cell.
func (s *Server) Outputs(ctx context.Context, cell string, limit int) ([]store.OutputLine, error) {
	if s.st == nil {
		return nil, nil
	}
	return s.st.RecentOutputs(ctx, cell, limit)
}

// GetConfig and SetConfig expose the live configuration to the API layer.
func (s *Server) GetConfig() config.Data        { return s.cfg.Get() }
func (s *Server) SetConfig(d config.Data) error { return s.cfg.Set(d) }
