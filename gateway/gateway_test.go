package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmcarbo/ssebridge/bridge"
	"github.com/jmcarbo/ssebridge/frame"
	"github.com/jmcarbo/ssebridge/pool"
	"github.com/jmcarbo/ssebridge/router"
)

// scriptedApp answers every subscription with a response stream carrying a
// fixed set of events followed by End, once the bridge grants credit.
type scriptedApp struct {
	gw    *Gateway
	table *router.Table

	events []struct{ id, data string }
	endID  string

	mu     sync.Mutex
	begins []*frame.SSEBeginEx
}

func (a *scriptedApp) accept(fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindBegin:
		ex, _, _ := frame.UnmarshalSSEBeginEx(fr.Extension)
		a.mu.Lock()
		a.begins = append(a.begins, ex)
		a.mu.Unlock()

		replyID := a.table.ReplyID(fr.StreamID)
		window := make(chan struct{}, 1)
		a.table.SetThrottle(replyID, func(t *frame.Frame) {
			if t.Kind == frame.KindWindow {
				select {
				case window <- struct{}{}:
				default:
				}
			}
		})
		routeID, traceID := fr.RouteID, fr.TraceID
		go func() {
			a.gw.Dispatch(&frame.Frame{
				Kind:     frame.KindBegin,
				RouteID:  routeID,
				StreamID: replyID,
				TraceID:  traceID,
			})
			<-window
			a.stream(routeID, replyID)
		}()
	}
}

func (a *scriptedApp) stream(routeID, replyID uint64) {
	for _, ev := range a.events {
		ex := frame.SSEDataEx{ID: []byte(ev.id)}
		a.gw.Dispatch(&frame.Frame{
			Kind:      frame.KindData,
			RouteID:   routeID,
			StreamID:  replyID,
			Flags:     frame.FlagInit | frame.FlagFin,
			Payload:   []byte(ev.data),
			Extension: ex.Marshal(),
		})
	}
	end := &frame.Frame{Kind: frame.KindEnd, RouteID: routeID, StreamID: replyID}
	if a.endID != "" {
		end.Extension = (&frame.SSEEndEx{ID: []byte(a.endID)}).Marshal()
	}
	a.gw.Dispatch(end)
}

func (a *scriptedApp) lastBegin() *frame.SSEBeginEx {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.begins) == 0 {
		return nil
	}
	return a.begins[len(a.begins)-1]
}

type testEnv struct {
	server *httptest.Server
	app    *scriptedApp
}

func newTestEnv(t *testing.T, routePath string, configure func(*scriptedApp), gwOpts ...Option) *testEnv {
	t.Helper()
	table := router.NewTable()
	factory := bridge.New(table, pool.New(8, 4096))
	gw := New(factory, table, 1, gwOpts...)

	app := &scriptedApp{gw: gw, table: table}
	if configure != nil {
		configure(app)
	}
	table.Add(&router.Route{RouteID: 1, PathInfo: routePath, Target: app.accept})

	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)
	return &testEnv{server: server, app: app}
}

func TestGateway_StreamsEvents(t *testing.T) {
	env := newTestEnv(t, "", func(a *scriptedApp) {
		a.events = []struct{ id, data string }{
			{id: "1", data: "hello"},
			{id: "2", data: "world"},
		}
	})

	resp, err := http.Get(env.server.URL + "/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := "id:1\ndata:hello\n\nid:2\ndata:world\n\n"
	if string(body) != want {
		t.Errorf("expected body %q, got %q", want, body)
	}
}

func TestGateway_TrailingEventID(t *testing.T) {
	env := newTestEnv(t, "", func(a *scriptedApp) {
		a.events = []struct{ id, data string }{{id: "1", data: "x"}}
		a.endID = "99"
	})

	resp, err := http.Get(env.server.URL + "/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if !strings.HasSuffix(string(body), "id:99\n\n") {
		t.Errorf("expected trailing id event, got %q", body)
	}
}

func TestGateway_Preflight(t *testing.T) {
	env := newTestEnv(t, "", nil)

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/events", nil)
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Access-Control-Allow-Methods"); allow != "GET" {
		t.Errorf("expected allow-methods GET, got %q", allow)
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, "", nil)

	resp, err := http.Post(env.server.URL+"/events", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestGateway_RouteNotFound(t *testing.T) {
	env := newTestEnv(t, "/events", nil)

	resp, err := http.Get(env.server.URL + "/other")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGateway_LastEventIDScrubbed(t *testing.T) {
	env := newTestEnv(t, "/events", func(a *scriptedApp) {
		a.events = []struct{ id, data string }{{id: "43", data: "x"}}
	})

	resp, err := http.Get(env.server.URL + "/events?lastEventId=42")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	begin := env.app.lastBegin()
	if begin == nil {
		t.Fatal("application never saw the subscription")
	}
	if begin.PathInfo != "/events" {
		t.Errorf("expected scrubbed path /events, got %q", begin.PathInfo)
	}
	if begin.LastEventID != "42" {
		t.Errorf("expected last event id 42, got %q", begin.LastEventID)
	}
}

func TestGateway_LastEventIDHeader(t *testing.T) {
	env := newTestEnv(t, "/events", func(a *scriptedApp) {
		a.events = []struct{ id, data string }{{id: "8", data: "x"}}
	})

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/events", nil)
	req.Header.Set("Last-Event-ID", "7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	begin := env.app.lastBegin()
	if begin == nil || begin.LastEventID != "7" {
		t.Fatalf("expected last event id 7, got %+v", begin)
	}
}

type stubValidator struct {
	token string
	mask  uint64
}

func (v *stubValidator) Validate(_ context.Context, token string) (uint64, error) {
	if token == v.token {
		return v.mask, nil
	}
	return 0, nil
}

func TestGateway_AuthorizationGatesRoute(t *testing.T) {
	validator := &stubValidator{token: "good", mask: 0x1}

	table := router.NewTable()
	factory := bridge.New(table, pool.New(8, 4096))
	gw := New(factory, table, 1, WithTokenValidator(validator))
	app := &scriptedApp{gw: gw, table: table}
	app.events = []struct{ id, data string }{{id: "1", data: "x"}}
	table.Add(&router.Route{RouteID: 1, Authorization: 0x1, Target: app.accept})
	server := httptest.NewServer(gw)
	defer server.Close()

	resp, err := http.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer good")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "data:x") {
		t.Errorf("expected event body, got %q", body)
	}
}

func TestGateway_ClientDisconnectResetsApplication(t *testing.T) {
	resetSeen := make(chan struct{})
	table := router.NewTable()
	factory := bridge.New(table, pool.New(8, 4096))
	gw := New(factory, table, 1)

	var once sync.Once
	table.Add(&router.Route{RouteID: 1, Target: func(fr *frame.Frame) {
		if fr.Kind != frame.KindBegin {
			return
		}
		replyID := table.ReplyID(fr.StreamID)
		table.SetThrottle(replyID, func(t *frame.Frame) {
			if t.Kind == frame.KindReset {
				once.Do(func() { close(resetSeen) })
			}
		})
		go gw.Dispatch(&frame.Frame{Kind: frame.KindBegin, RouteID: 1, StreamID: replyID})
		// Never send events or End; the stream stays open until the client
		// goes away.
	}})
	server := httptest.NewServer(gw)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	cancel()

	select {
	case <-resetSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("expected application Reset after client disconnect")
	}
}
