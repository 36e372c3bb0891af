package wsmux

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// newEchoServer answers every request with its own url and announces each
// new connection with a "hello" push.
func newEchoServer(t *testing.T) (*httptest.Server, string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		hello, _ := EncodeFrame(NewPush("hello", StatusOK, NullBody()))
		if err := c.Write(ctx, websocket.MessageBinary, hello); err != nil {
			return
		}

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			env, err := DecodeFrame(data)
			if err != nil || env.Kind != KindRequest {
				continue
			}
			body := StringBody(env.Request.URL)
			frame, _ := EncodeFrame(NewResponse(env.Request.Sequence, StatusOK, &body))
			if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return srv, host, port
}

func TestWebSocket_RequestRoundTrip(t *testing.T) {
	_, host, port := newEchoServer(t)
	ctx := context.Background()

	m := NewManager(WithConfig(testConfig()))
	defer m.CloseAll(ctx)

	sink := newRecordingSink("main")
	id, err := m.AddClient(ctx, sink, host, port)
	if err != nil {
		t.Fatalf("AddClient error: %v", err)
	}

	ev := sink.waitForEvent(t, EventPush, 2*time.Second)
	if ev.Push.Event != "hello" {
		t.Errorf("Event = %s, want hello", ev.Push.Event)
	}

	v, err := m.Request(ctx, id, "/system/info", MustBody(map[string]any{"a": 1}))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if v != "/system/info" {
		t.Errorf("value = %v, want /system/info", v)
	}
}

func TestWebSocket_Heartbeat(t *testing.T) {
	_, host, port := newEchoServer(t)
	cfg := testConfig()
	cfg.HeartbeatTick = 10 * time.Millisecond
	cfg.KeepAlive = 10 * time.Millisecond

	c := NewConnection(net.JoinHostPort(host, strconv.Itoa(port)), WithConfig(cfg))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer c.Disconnect(ctx)

	time.Sleep(100 * time.Millisecond)
	if c.State() != StateConnected {
		t.Errorf("State = %v, want connected", c.State())
	}
	if c.Generation() != 1 {
		t.Errorf("Generation = %d, want 1 (pings should succeed)", c.Generation())
	}
	if time.Since(c.LastHeartbeat()) > 50*time.Millisecond {
		t.Error("heartbeat should be refreshed by pongs")
	}
}

func TestWebSocket_Disconnect(t *testing.T) {
	_, host, port := newEchoServer(t)

	c := NewConnection(net.JoinHostPort(host, strconv.Itoa(port)), WithConfig(testConfig()))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Disconnect(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disconnect error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect did not finish")
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v, want closed", c.State())
	}
}

func TestWebSocketDialer_Refused(t *testing.T) {
	srv, host, port := newEchoServer(t)
	srv.Close()

	d := &WebSocketDialer{Config: testConfig()}
	_, err := d.Dial(context.Background(), net.JoinHostPort(host, strconv.Itoa(port)))

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if connErr.Op != "dial" {
		t.Errorf("Op = %s, want dial", connErr.Op)
	}
	want := "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
	if connErr.Addr != want {
		t.Errorf("Addr = %s, want %s", connErr.Addr, want)
	}
}
