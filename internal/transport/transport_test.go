package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/loykin/mcpherd/internal/faults"
	"github.com/loykin/mcpherd/internal/protocol"
)

// fakeServer speaks newline-delimited JSON-RPC on in-memory pipes and
// hands each decoded request to handle on its own goroutine, so replies
// can arrive out of order.
type fakeServer struct {
	clientIn  *io.PipeWriter // server -> client
	clientOut *io.PipeReader // client -> server

	serverIn  *io.PipeReader
	serverOut *io.PipeWriter

	wmu sync.Mutex
}

func newFakeServer() *fakeServer {
	cr, sw := io.Pipe() // server writes, client reads
	sr, cw := io.Pipe() // client writes, server reads
	return &fakeServer{clientIn: cw, clientOut: cr, serverIn: sr, serverOut: sw}
}

// transportFor returns a transport wired to the fake server.
func (s *fakeServer) transportFor(opts Options) *Transport {
	return New("fake", s.clientIn, s.clientOut, opts)
}

func (s *fakeServer) writeLine(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	s.writeRaw(t, string(b))
}

func (s *fakeServer) writeRaw(t *testing.T, line string) {
	t.Helper()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := io.WriteString(s.serverOut, line+"\n"); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func (s *fakeServer) close() { _ = s.serverOut.Close(); _ = s.serverIn.Close() }

// serve decodes requests and dispatches handle(req) concurrently.
// Notifications are handled inline (handle gets them too).
func (s *fakeServer) serve(t *testing.T, handle func(req protocol.Message)) {
	go func() {
		sc := bufio.NewScanner(s.serverIn)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			var msg protocol.Message
			line := append([]byte(nil), sc.Bytes()...)
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			go handle(msg)
		}
	}()
}

// initHandler answers initialize/ping and ignores notifications.
func (s *fakeServer) initHandler(t *testing.T) func(protocol.Message) {
	return func(req protocol.Message) {
		switch req.Method {
		case protocol.MethodInitialize:
			s.writeLine(t, map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(mustMarshal(t, req.ID)),
				"result": protocol.InitializeResult{
					ProtocolVersion: protocol.MCPProtocolVersion,
					Capabilities:    protocol.Capabilities{"tools": map[string]any{}},
					ServerInfo:      protocol.ServerInfo{Name: "fake-server", Version: "1.0"},
				},
			})
		case protocol.MethodPing:
			s.writeLine(t, map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(mustMarshal(t, req.ID)),
				"result":  map[string]any{},
			})
		}
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func connect(t *testing.T, s *fakeServer, opts Options) *Transport {
	t.Helper()
	tr := s.transportFor(opts)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return tr
}

func TestConnectHandshake(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, s.initHandler(t))

	tr := connect(t, s, Options{})
	defer tr.Close()

	if !tr.Connected() {
		t.Fatalf("not connected after handshake")
	}
	if got := tr.ServerInfo().Name; got != "fake-server" {
		t.Fatalf("server info %q", got)
	}
}

func TestConnectVersionMismatch(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, func(req protocol.Message) {
		if req.Method == protocol.MethodInitialize {
			s.writeLine(t, map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(mustMarshal(t, req.ID)),
				"result":  protocol.InitializeResult{ProtocolVersion: "1999-01-01"},
			})
		}
	})

	tr := s.transportFor(Options{ConnectTimeout: time.Second})
	err := tr.Connect(context.Background())
	if !errors.Is(err, faults.ErrConnection) {
		t.Fatalf("want ErrConnection on version mismatch, got %v", err)
	}
	if tr.Connected() {
		t.Fatalf("mismatched handshake must not connect")
	}
}

func TestConnectTimeout(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, func(protocol.Message) {}) // never answers

	tr := s.transportFor(Options{ConnectTimeout: 100 * time.Millisecond})
	start := time.Now()
	err := tr.Connect(context.Background())
	if !errors.Is(err, faults.ErrConnection) {
		t.Fatalf("want ErrConnection, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("handshake timeout not enforced")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	tr := s.transportFor(Options{})
	if _, err := tr.Send(context.Background(), "tools/list", nil); !errors.Is(err, faults.ErrConnection) {
		t.Fatalf("want ErrConnection before handshake, got %v", err)
	}
}

func TestConcurrentOutOfOrderResponses(t *testing.T) {
	s := newFakeServer()
	defer s.close()

	const n = 20
	release := make(chan struct{})
	s.serve(t, func(req protocol.Message) {
		if req.Method == protocol.MethodInitialize {
			s.initHandler(t)(req)
			return
		}
		if req.Method != "echo" {
			return
		}
		// Hold every reply until all requests are in, then answer in
		// whatever order the goroutines run.
		<-release
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(req.Params, &p)
		s.writeLine(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(mustMarshal(t, req.ID)),
			"result":  map[string]int{"n": p.N},
		})
	})

	tr := connect(t, s, Options{RequestTimeout: 5 * time.Second})
	defer tr.Close()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := tr.Send(context.Background(), "echo", map[string]int{"n": i})
			if err != nil {
				errs[i] = err
				return
			}
			var res struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(raw, &res); err != nil {
				errs[i] = err
				return
			}
			if res.N != i {
				errs[i] = fmt.Errorf("caller %d got result %d", i, res.N)
			}
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, s.initHandler(t)) // echo never answered

	tr := connect(t, s, Options{RequestTimeout: 80 * time.Millisecond})
	defer tr.Close()

	_, err := tr.Send(context.Background(), "echo", nil)
	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	tr.mu.Lock()
	left := len(tr.pending)
	tr.mu.Unlock()
	if left != 0 {
		t.Fatalf("pending entry leaked after timeout: %d", left)
	}
}

func TestTimeoutDoesNotAffectOtherCalls(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, func(req protocol.Message) {
		switch req.Method {
		case protocol.MethodInitialize:
			s.initHandler(t)(req)
		case "slow":
			// never answers
		case "fast":
			time.Sleep(120 * time.Millisecond)
			s.writeLine(t, map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(mustMarshal(t, req.ID)),
				"result":  "ok",
			})
		}
	})

	tr := connect(t, s, Options{RequestTimeout: 5 * time.Second})
	defer tr.Close()

	fastDone := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), "fast", nil)
		fastDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, "slow", nil); err == nil {
		t.Fatalf("slow call should have timed out")
	}
	if err := <-fastDone; err != nil {
		t.Fatalf("unrelated call was disturbed: %v", err)
	}
}

func TestStreamClosureFailsAllPending(t *testing.T) {
	s := newFakeServer()
	s.serve(t, s.initHandler(t))

	tr := connect(t, s, Options{RequestTimeout: 10 * time.Second})

	const n = 5
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := tr.Send(context.Background(), "hang", nil)
			errsCh <- err
		}()
	}
	// Let the requests register, then kill the stream.
	time.Sleep(100 * time.Millisecond)
	s.close()

	for i := 0; i < n; i++ {
		select {
		case err := <-errsCh:
			if !errors.Is(err, faults.ErrConnectionLost) {
				t.Fatalf("want ErrConnectionLost, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending request hung after stream closure")
		}
	}
	if tr.Connected() {
		t.Fatalf("connected should be false after EOF")
	}
}

func TestMalformedAndUnknownFramesNotFatal(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, s.initHandler(t))

	tr := connect(t, s, Options{RequestTimeout: 2 * time.Second})
	defer tr.Close()

	s.writeRaw(t, "this is not json")
	s.writeRaw(t, `{"jsonrpc":"2.0","id":99999,"result":{"orphan":true}}`)

	// The reader loop must still be alive and serving responses.
	if err := tr.Ping(context.Background()); err != nil {
		t.Fatalf("reader loop died on bad frames: %v", err)
	}
}

func TestNotificationsDelivered(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, s.initHandler(t))

	got := make(chan string, 1)
	tr := connect(t, s, Options{
		OnNotification: func(method string, _ json.RawMessage) { got <- method },
	})
	defer tr.Close()

	s.writeRaw(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"p":1}}`)
	select {
	case m := <-got:
		if m != "notifications/progress" {
			t.Fatalf("method %q", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("notification not delivered")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := newFakeServer()
	s.serve(t, s.initHandler(t))
	tr := connect(t, s, Options{})
	tr.Close()
	tr.Close() // must not panic or block
	if _, err := tr.Send(context.Background(), "x", nil); err == nil {
		t.Fatalf("send after close should fail")
	}
}

func TestServerErrorResponse(t *testing.T) {
	s := newFakeServer()
	defer s.close()
	s.serve(t, func(req protocol.Message) {
		switch req.Method {
		case protocol.MethodInitialize:
			s.initHandler(t)(req)
		case "bad":
			s.writeLine(t, map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(mustMarshal(t, req.ID)),
				"error":   protocol.Error{Code: protocol.CodeInvalidParams, Message: "missing name"},
			})
		}
	})

	tr := connect(t, s, Options{})
	defer tr.Close()

	_, err := tr.Send(context.Background(), "bad", nil)
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *protocol.Error, got %v", err)
	}
	if perr.Code != protocol.CodeInvalidParams {
		t.Fatalf("code %d", perr.Code)
	}
}
