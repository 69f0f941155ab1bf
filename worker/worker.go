// Package worker wraps one interpreter subprocess dedicated to a single
// notebook cell.  Root workers are spawned as child processes and commanded
// over stdin; forked workers are created by the parent interpreter forking
// itself and dialling back to a rendezvous socket, which then serves as the
// command channel.
//
// A worker does not know its cell's name.  Everything it produces is tagged
// with the worker itself as sender; the server resolves the cell on receipt.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/whisper-darkly/forknote-backend/config"
	"github.com/whisper-darkly/forknote-backend/message"
	"github.com/whisper-darkly/forknote-backend/pipeline"
)

// Emit delivers a message produced by a worker to the response pipeline,
// tagged with the worker that produced it.
type Emit func(msg message.Message, sender *Worker)

// command is one queued write to the worker's command channel.
type command struct {
	text string
}

// Worker owns the lifecycle of one interpreter process.
type Worker struct {
	id      string
	cfg     config.Data
	baseURL string // server base URL, e.g. http://127.0.0.1:8000
	emit    Emit
	onExit  func(*Worker)

	queue *pipeline.Pipeline[command]

	in   io.Writer // command channel: stdin (root) or socket (forked)
	proc *exec.Cmd // root workers only
	conn net.Conn  // forked workers only

	dead atomic.Bool
}

// New creates an unstarted worker.  onExit is invoked once, from the output
// pump goroutine, when the worker's process or channel goes away; it may be
// nil.
func New(cfg config.Data, baseURL string, emit Emit, onExit func(*Worker)) *Worker {
	w := &Worker{
		id:      uuid.New().String(),
		cfg:     cfg,
		baseURL: baseURL,
		emit:    emit,
		onExit:  onExit,
	}
	w.queue = pipeline.New(w.write)
	return w
}

// ID returns the worker's opaque identifier (used for logging and the
// event store; never sent to the interpreter).
func (w *Worker) ID() string { return w.id }

// Alive reports whether the worker can still accept commands.
func (w *Worker) Alive() bool { return !w.dead.Load() }

// SocketAddress returns a fresh rendezvous socket path under the system
// temp directory.  Paths are never reused.
func SocketAddress() string {
	return filepath.Join(os.TempDir(), strings.ReplaceAll(uuid.New().String(), "-", "")+".sock")
}

// ---- creation ----

// StartRoot spawns the configured REPL command for req, waits for the
// bootstrap's handshake line, emits DidCreateCell and begins the command
// loop and output pumps.  It blocks its caller until the worker is ready;
// the request pipeline relies on that to keep per-client response ordering.
func (w *Worker) StartRoot(ctx context.Context, req *message.CreateCell) error {
	cmd := exec.CommandContext(ctx, w.cfg.ReplCommand, w.cfg.ReplArguments...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", w.cfg.ReplCommand, err)
	}

	w.proc = cmd
	w.in = stdin

	out := bufio.NewReader(stdout)
	if err := w.handshake(out); err != nil {
		w.dead.Store(true)
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return fmt.Errorf("root handshake: %w", err)
	}

	w.begin(ctx, req.CellName())
	w.emit(ackFor(req), w)
	go w.pump(stderr, false)
	go func() {
		w.pump(out, true)
		_ = cmd.Wait()
	}()
	return nil
}

// StartFork opens a listener at addr, signals ready so the caller may
// instruct the parent worker to fork, then accepts the forked child's
// connection, reads its handshake and emits the fork acknowledgement.
// It blocks for the lifetime of the worker; run it in its own goroutine.
//
// Ordering matters: ready is closed only after the listener is accepting,
// so the parent never dials into the void.
func (w *Worker) StartFork(ctx context.Context, req message.Request, addr string, ready chan<- struct{}) {
	ln, err := net.Listen("unix", addr)
	if err != nil {
		log.Printf("worker %s: listen %s: %v", w.short(), addr, err)
		w.dead.Store(true)
		close(ready)
		return
	}
	defer ln.Close()

	// Unblock Accept on cancellation.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	close(ready)

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("worker %s: accept %s: %v", w.short(), addr, err)
		}
		w.dead.Store(true)
		return
	}

	w.conn = conn
	w.in = conn

	out := bufio.NewReader(conn)
	if err := w.handshake(out); err != nil {
		log.Printf("worker %s: fork handshake: %v", w.short(), err)
		w.dead.Store(true)
		conn.Close()
		return
	}

	w.begin(ctx, req.CellName())
	w.emit(ackFor(req), w)
	w.pump(out, true)
}

// handshake waits for the bootstrap's single ready line.  Its contents are
// not interpreted; arrival is the signal.
func (w *Worker) handshake(r *bufio.Reader) error {
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("waiting for ready line: %w", err)
	}
	return nil
}

// begin starts the command loop and primes the interpreter with the
// sidechannel snippet, keyed by the cell named in the creation request so
// that sidechannel posts arrive pre-resolved.
func (w *Worker) begin(ctx context.Context, cellID string) {
	w.queue.Start(ctx)
	w.queue.Put(command{text: w.sidechannelSnippet(cellID)})
}

// ---- commands ----

// Run queues the composed run program for the given request and code.
func (w *Worker) Run(req *message.RunCell, code string) {
	if !w.Alive() {
		log.Printf("worker %s: dropping run %s: worker is dead", w.short(), req.ID())
		return
	}
	w.queue.Put(command{text: w.runProgram(req, code)})
}

// Fork queues the fork snippet, instructing this worker's interpreter to
// fork a child that dials addr.
func (w *Worker) Fork(req message.Request, addr string) {
	if !w.Alive() {
		log.Printf("worker %s: dropping fork %s: worker is dead", w.short(), req.ID())
		return
	}
	snippet := strings.ReplaceAll(w.cfg.Fork, w.cfg.ForkAddr, addr)
	w.queue.Put(command{text: snippet})
}

// write is the command-loop dispatcher: it serializes fragments onto the
// command channel.  Fragments are newline-terminated; the bootstrap splits
// successive fragments on those newlines.
func (w *Worker) write(_ context.Context, c command) {
	if w.dead.Load() {
		return
	}
	text := c.text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(w.in, text); err != nil {
		log.Printf("worker %s: command write: %v", w.short(), err)
		w.dead.Store(true)
	}
}

// ---- output ----

// pump drains one output stream, forwarding each line as a Stdout message
// with the cell unset.  When the primary stream ends the worker is marked
// dead and the exit hook fires.
func (w *Worker) pump(r io.Reader, primary bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out := &message.Stdout{Base: message.Base{Id: message.NewID()}, Text: sc.Text() + "\n"}
		w.emit(out, w)
	}
	if !primary {
		return
	}
	wasAlive := !w.dead.Swap(true)
	w.queue.Stop()
	if wasAlive && w.onExit != nil {
		w.onExit(w)
	}
}

// ---- snippet composition ----

// runProgram composes the full program fragment for one run: before_run,
// the (optionally preprocessed) cell code, after_run, and the callback
// snippet that reports completion back to the server.
func (w *Worker) runProgram(req *message.RunCell, code string) string {
	code = w.preprocess(code)

	var parts []string
	if w.cfg.BeforeRun != "" {
		parts = append(parts, w.cfg.BeforeRun)
	}
	parts = append(parts, code)
	if w.cfg.AfterRun != "" {
		parts = append(parts, w.cfg.AfterRun)
	}
	parts = append(parts, w.callbackSnippet(req))
	return strings.Join(parts, "\n")
}

// callbackSnippet renders the callback template: the URL placeholder becomes
// the server's callback endpoint and the payload placeholder becomes the
// original request's JSON, so the interpreter can POST it back verbatim.
func (w *Worker) callbackSnippet(req *message.RunCell) string {
	payload, err := message.Encode(req)
	if err != nil {
		// Requests are plain structs; this cannot fail in practice.
		payload = []byte(`{}`)
	}
	s := strings.ReplaceAll(w.cfg.Callback, w.cfg.CallbackURL, w.baseURL+"/callback")
	return strings.ReplaceAll(s, w.cfg.CallbackPayload, string(payload))
}

// sidechannelSnippet renders the sidechannel template with the server's
// sidechannel endpoint and the cell identifier.
func (w *Worker) sidechannelSnippet(cellID string) string {
	s := strings.ReplaceAll(w.cfg.Sidechannel, w.cfg.SidechannelURL, w.baseURL+"/sidechannel")
	return strings.ReplaceAll(s, w.cfg.SidechannelCellID, cellID)
}

// preprocess pipes code through the configured preprocessor command.  On
// any failure the raw code is used; a broken preprocessor should not make
// cells unrunnable.
func (w *Worker) preprocess(code string) string {
	if len(w.cfg.Preproc) == 0 {
		return code
	}
	cmd := exec.Command(w.cfg.Preproc[0], w.cfg.Preproc[1:]...)
	cmd.Stdin = strings.NewReader(code)
	out, err := cmd.Output()
	if err != nil {
		log.Printf("worker %s: preprocessor: %v", w.short(), err)
		return code
	}
	return string(out)
}

// ---- helpers ----

func (w *Worker) short() string { return w.id[:8] }

// ackFor builds the ready acknowledgement for a creation request.  A
// CreateCell (with or without parent) is acknowledged by DidCreateCell; a
// ForkCell by DidForkCell.
func ackFor(req message.Request) message.Message {
	switch r := req.(type) {
	case *message.CreateCell:
		return &message.DidCreateCell{Base: message.Base{Id: message.NewID()}, Request: r}
	case *message.ForkCell:
		return &message.DidForkCell{Base: message.Base{Id: message.NewID()}, Request: r}
	}
	return nil
}

// Close terminates the worker's process or connection, ending its loops.
func (w *Worker) Close() {
	w.dead.Store(true)
	if w.proc != nil && w.proc.Process != nil {
		_ = w.proc.Process.Kill()
	}
	if w.conn != nil {
		_ = w.conn.Close()
	}
}
