package wsrouter

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"vtmux/internal/engine"
	"vtmux/internal/frame"
	"vtmux/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	store, err := session.Open(dir, session.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := engine.New(store, engine.DefaultConfig(), testLogger())
	rt := New(eng, DefaultConfig(), testLogger())

	mux := http.NewServeMux()
	mux.Handle("/ws", rt)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, eng
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHelloWelcomeHandshake(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hello, err := frame.Encode(frame.TypeHello, "", nil)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	dec := frame.NewDecoder()
	frames, err := dec.Feed(data)
	if err != nil || len(frames) != 1 {
		t.Fatalf("decode welcome: frames=%v err=%v", frames, err)
	}
	if frames[0].Type != frame.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s", frames[0].Type)
	}
}

func TestSubscribeReceivesStdoutAndInputRoundtrips(t *testing.T) {
	srv, eng := newTestServer(t)
	sess, err := eng.Create(engine.CreateOptions{
		Command: []string{"bash", "-lc", "read x; echo got:$x"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dial(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub, err := frame.Encode(frame.TypeSubscribe, sess.ID, frame.EncodeSubscribe(frame.SubscribePayload{
		Flags: frame.FlagWantStdout,
	}))
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	input, err := frame.Encode(frame.TypeInput, sess.ID, []byte("world\n"))
	if err != nil {
		t.Fatalf("encode input: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, input); err != nil {
		t.Fatalf("write input: %v", err)
	}

	dec := frame.NewDecoder()
	var seen []byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (saw so far %q)", err, seen)
		}
		frames, err := dec.Feed(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, fr := range frames {
			if fr.Type == frame.TypeStdout {
				seen = append(seen, fr.Payload...)
			}
		}
		if strings.Contains(string(seen), "got:world") {
			return
		}
	}
}
