package worker

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper-darkly/forknote-backend/config"
	"github.com/whisper-darkly/forknote-backend/message"
)

// testCfg returns a filled config whose "REPL" is a shell that prints one
// ready line and then echoes every command it receives.
func testCfg(t *testing.T) config.Data {
	t.Helper()
	g, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	d := g.Get()
	d.ReplCommand = "sh"
	d.ReplArguments = []string{"-c", "echo ready; cat"}
	return d
}

// collector gathers messages emitted by a worker.
type collector struct {
	mu   sync.Mutex
	msgs []message.Message
	ch   chan message.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan message.Message, 64)}
}

func (c *collector) emit(msg message.Message, _ *Worker) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
}

func (c *collector) next(t *testing.T) message.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for worker message")
		return nil
	}
}

// nextStdout waits for the next Stdout whose text satisfies match.
func (c *collector) nextStdout(t *testing.T, match func(string) bool) *message.Stdout {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.ch:
			if out, ok := msg.(*message.Stdout); ok && match(out.Text) {
				return out
			}
		case <-deadline:
			t.Fatal("timeout waiting for matching stdout")
			return nil
		}
	}
}

func TestStartRootEmitsDidCreateCell(t *testing.T) {
	col := newCollector()
	w := New(testCfg(t), "http://127.0.0.1:9999", col.emit, nil)
	defer w.Close()

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err != nil {
		t.Fatalf("start root: %v", err)
	}
	if !w.Alive() {
		t.Error("worker should be alive after handshake")
	}

	msg := col.next(t)
	ack, ok := msg.(*message.DidCreateCell)
	if !ok {
		t.Fatalf("expected DidCreateCell first, got %T", msg)
	}
	if ack.Request != req {
		t.Error("ack must carry the originating request")
	}
	if ack.ID() == "" || ack.ID() == req.ID() {
		t.Errorf("ack needs its own id, got %q", ack.ID())
	}
}

func TestSidechannelSnippetSubstitution(t *testing.T) {
	col := newCollector()
	w := New(testCfg(t), "http://127.0.0.1:9999", col.emit, nil)
	defer w.Close()

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err != nil {
		t.Fatalf("start root: %v", err)
	}

	// The echo REPL sends the sidechannel snippet straight back as output.
	out := col.nextStdout(t, func(s string) bool { return strings.Contains(s, "sidechannel") })
	if !strings.Contains(out.Text, "http://127.0.0.1:9999/sidechannel") {
		t.Errorf("url placeholder not substituted: %q", out.Text)
	}
	if !strings.Contains(out.Text, "'foo'") {
		t.Errorf("cell id placeholder not substituted: %q", out.Text)
	}
	if out.Cell != "" {
		t.Errorf("worker must not set the cell name, got %q", out.Cell)
	}
}

func TestRunComposesProgram(t *testing.T) {
	cfg := testCfg(t)
	cfg.BeforeRun = "# before"
	cfg.AfterRun = "# after"

	col := newCollector()
	w := New(cfg, "http://127.0.0.1:9999", col.emit, nil)
	defer w.Close()

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err != nil {
		t.Fatalf("start root: %v", err)
	}
	col.next(t) // DidCreateCell

	run := &message.RunCell{Base: message.Base{Id: "r1"}, Cell: "foo"}
	w.Run(run, "print(1)")

	col.nextStdout(t, func(s string) bool { return strings.Contains(s, "# before") })
	col.nextStdout(t, func(s string) bool { return strings.Contains(s, "print(1)") })
	col.nextStdout(t, func(s string) bool { return strings.Contains(s, "# after") })
	cb := col.nextStdout(t, func(s string) bool { return strings.Contains(s, "callback") })

	if !strings.Contains(cb.Text, "http://127.0.0.1:9999/callback") {
		t.Errorf("callback url not substituted: %q", cb.Text)
	}
	if !strings.Contains(cb.Text, `"id":"r1"`) {
		t.Errorf("callback payload missing request: %q", cb.Text)
	}
}

func TestRunAppliesPreprocessor(t *testing.T) {
	cfg := testCfg(t)
	cfg.Preproc = []string{"tr", "a-z", "A-Z"}

	col := newCollector()
	w := New(cfg, "http://127.0.0.1:9999", col.emit, nil)
	defer w.Close()

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err != nil {
		t.Fatalf("start root: %v", err)
	}
	col.next(t) // DidCreateCell

	w.Run(&message.RunCell{Base: message.Base{Id: "r1"}, Cell: "foo"}, "hello")
	col.nextStdout(t, func(s string) bool { return strings.Contains(s, "HELLO") })
}

func TestStartRootSpawnFailure(t *testing.T) {
	cfg := testCfg(t)
	cfg.ReplCommand = "/no/such/interpreter"

	col := newCollector()
	w := New(cfg, "http://127.0.0.1:9999", col.emit, nil)

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err == nil {
		t.Fatal("expected spawn error")
	}

	select {
	case msg := <-col.ch:
		t.Errorf("no message expected after spawn failure, got %s", msg.Type())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerExitInvokesHook(t *testing.T) {
	cfg := testCfg(t)
	cfg.ReplArguments = []string{"-c", "echo ready; sleep 0.2"}

	exited := make(chan struct{})
	col := newCollector()
	w := New(cfg, "http://127.0.0.1:9999", col.emit, func(*Worker) { close(exited) })

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err != nil {
		t.Fatalf("start root: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit hook never fired")
	}
	if w.Alive() {
		t.Error("worker should be dead after process exit")
	}

	// Commands against a dead worker are dropped, not queued.
	w.Run(&message.RunCell{Base: message.Base{Id: "r1"}, Cell: "foo"}, "x")
}

func TestStartForkRendezvous(t *testing.T) {
	col := newCollector()
	w := New(testCfg(t), "http://127.0.0.1:9999", col.emit, nil)
	defer w.Close()

	req := &message.ForkCell{Base: message.Base{Id: "q2"}, Cell: "bar", Parent: "foo"}
	addr := SocketAddress()
	ready := make(chan struct{})

	go w.StartFork(context.Background(), req, addr, ready)

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}
	if !w.Alive() {
		t.Fatal("listener failed")
	}

	// Play the forked child: dial the rendezvous socket and hand over the
	// handshake line.
	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ready\n")); err != nil {
		t.Fatalf("handshake write: %v", err)
	}

	msg := col.next(t)
	ack, ok := msg.(*message.DidForkCell)
	if !ok {
		t.Fatalf("expected DidForkCell, got %T", msg)
	}
	if ack.Request.Cell != "bar" || ack.Request.Parent != "foo" {
		t.Errorf("ack carries wrong request: %+v", ack.Request)
	}

	// The connection doubles as the command channel: the sidechannel
	// snippet arrives first, then queued runs.
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read sidechannel snippet: %v", err)
	}
	if !strings.Contains(line, "'bar'") {
		t.Errorf("sidechannel snippet not keyed by cell: %q", line)
	}

	w.Run(&message.RunCell{Base: message.Base{Id: "r2"}, Cell: "bar"}, "x = 1")
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("read run program: %v", err)
		}
		if strings.Contains(line, "x = 1") {
			break
		}
	}
}

func TestForkSnippetSubstitution(t *testing.T) {
	col := newCollector()
	w := New(testCfg(t), "http://127.0.0.1:9999", col.emit, nil)
	defer w.Close()

	req := &message.CreateCell{Base: message.Base{Id: "q1"}, Cell: "foo"}
	if err := w.StartRoot(context.Background(), req); err != nil {
		t.Fatalf("start root: %v", err)
	}
	col.next(t) // DidCreateCell

	fork := &message.ForkCell{Base: message.Base{Id: "q2"}, Cell: "bar", Parent: "foo"}
	w.Fork(fork, "/tmp/rendezvous-test.sock")

	out := col.nextStdout(t, func(s string) bool { return strings.Contains(s, "fork") })
	if !strings.Contains(out.Text, "/tmp/rendezvous-test.sock") {
		t.Errorf("address placeholder not substituted: %q", out.Text)
	}
	if strings.Contains(out.Text, "__address__") {
		t.Errorf("placeholder survived substitution: %q", out.Text)
	}
}

func TestSocketAddressUnique(t *testing.T) {
	a, b := SocketAddress(), SocketAddress()
	if a == b {
		t.Error("socket addresses must never repeat")
	}
	if !strings.HasSuffix(a, ".sock") {
		t.Errorf("unexpected address format: %q", a)
	}
}
