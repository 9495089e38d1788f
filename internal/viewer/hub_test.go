package viewer

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"logrelay/internal/inputs"
	"logrelay/internal/protocol"
)

func drain(v *Viewer) []Event {
	var events []Event
	for {
		select {
		case ev := <-v.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestConnectReplaysInputs(t *testing.T) {
	t.Parallel()
	reg := inputs.NewRegistry()
	reg.Add("web", "host1")
	reg.Add("api", "host2")
	h := NewHub(reg, 4)

	v := h.Connect()
	events := drain(v)
	require.Len(t, events, 2)
	for i, in := range reg.List() {
		require.Equal(t, protocol.TypeInputAdd, events[i].Type)
		require.Equal(t, in, events[i].Data)
	}
	require.Equal(t, 1, h.Len())
}

func TestReplayLargerThanQueue(t *testing.T) {
	t.Parallel()
	reg := inputs.NewRegistry()
	for _, src := range []string{"a", "b", "c", "d", "e"} {
		reg.Add("s", src)
	}
	h := NewHub(reg, 1)

	v := h.Connect()
	require.Len(t, drain(v), 5)
	require.Zero(t, v.Dropped())
}

func TestPublishOnlyReachesSubscribers(t *testing.T) {
	t.Parallel()
	h := NewHub(inputs.NewRegistry(), 8)
	subscribed := h.Connect()
	other := h.Connect()

	subscribed.Activate("web|host1")
	subscribed.Activate("web|host1")

	h.Publish("web|host1", Event{Type: protocol.TypeMessage, Data: Message{Msg: "hello"}})
	h.Broadcast(Event{Type: protocol.TypeInputAlive})

	got := drain(subscribed)
	require.Len(t, got, 2)
	require.Equal(t, protocol.TypeMessage, got[0].Type)
	require.Equal(t, protocol.TypeInputAlive, got[1].Type)

	got = drain(other)
	require.Len(t, got, 1)
	require.Equal(t, protocol.TypeInputAlive, got[0].Type)
}

func TestDeactivate(t *testing.T) {
	t.Parallel()
	h := NewHub(inputs.NewRegistry(), 8)
	v := h.Connect()

	v.Deactivate("never-joined")
	v.Activate("x")
	require.True(t, v.Subscribed("x"))
	v.Deactivate("x")
	v.Deactivate("x")
	require.False(t, v.Subscribed("x"))

	h.Publish("x", Event{Type: protocol.TypeMessage})
	require.Empty(t, drain(v))
}

func TestFullQueueDropsOnlyForSlowViewer(t *testing.T) {
	t.Parallel()
	h := NewHub(inputs.NewRegistry(), 2)
	slow := h.Connect()
	fast := h.Connect()

	for i := 0; i < 5; i++ {
		h.Broadcast(Event{Type: protocol.TypeInputAlive})
		drain(fast)
	}
	require.Len(t, drain(slow), 2)
	require.Equal(t, uint64(3), slow.Dropped())
	require.Zero(t, fast.Dropped())
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	h := NewHub(inputs.NewRegistry(), 2)
	v := h.Connect()
	v.Activate("x")

	h.Disconnect(v)
	h.Disconnect(v)
	require.Zero(t, h.Len())
	require.Empty(t, v.Subscriptions())

	select {
	case <-v.Done():
	default:
		t.Fatal("expected Done to be closed")
	}

	h.Publish("x", Event{Type: protocol.TypeMessage})
	require.Empty(t, drain(v))
}

func TestDisconnectAll(t *testing.T) {
	t.Parallel()
	h := NewHub(inputs.NewRegistry(), 2)
	a := h.Connect()
	b := h.Connect()

	h.DisconnectAll()
	require.Zero(t, h.Len())
	for _, v := range []*Viewer{a, b} {
		select {
		case <-v.Done():
		default:
			t.Fatalf("viewer %s still open", v.ID)
		}
	}
}

func onlyViewer(h *Hub) *Viewer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.viewers {
		return v
	}
	return nil
}

func TestServeWS(t *testing.T) {
	t.Parallel()
	reg := inputs.NewRegistry()
	reg.Add("web", "host1")
	h := NewHub(reg, 8)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeWS(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var replay struct {
		Event string       `json:"event"`
		Data  inputs.Input `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&replay))
	require.Equal(t, protocol.TypeInputAdd, replay.Event)
	require.Equal(t, "web|host1", replay.Data.Name)

	require.NoError(t, conn.WriteJSON(Command{Event: EventActivate, Data: "web|host1"}))
	require.Eventually(t, func() bool {
		v := onlyViewer(h)
		return v != nil && v.Subscribed("web|host1")
	}, 5*time.Second, 10*time.Millisecond)

	h.Publish("web|host1", Event{Type: protocol.TypeMessage, Data: Message{InputName: "web|host1", Msg: "hello", Stream: "web", Source: "host1"}})

	var msg struct {
		Event string  `json:"event"`
		Data  Message `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, protocol.TypeMessage, msg.Event)
	require.Equal(t, "hello", msg.Data.Msg)

	require.NoError(t, conn.WriteJSON(Command{Event: EventDeactivate, Data: "web|host1"}))
	require.Eventually(t, func() bool {
		v := onlyViewer(h)
		return v != nil && !v.Subscribed("web|host1")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServeSSE(t *testing.T) {
	t.Parallel()
	h := NewHub(inputs.NewRegistry(), 8)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?input=web%7Chost1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		v := onlyViewer(h)
		return v != nil && v.Subscribed("web|host1")
	}, 5*time.Second, 10*time.Millisecond)

	h.Publish("web|host1", Event{Type: protocol.TypeMessage, Data: Message{Msg: "hi"}})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: +msg\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var data Message
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &data))
	require.Equal(t, "hi", data.Msg)
}

func TestFormatSSE(t *testing.T) {
	t.Parallel()
	out, err := FormatSSE(Event{Type: "+ping", Data: inputs.Input{Name: "a|b", Stream: "a", Source: "b"}})
	require.NoError(t, err)
	require.Equal(t, "event: +ping\ndata: {\"inputName\":\"a|b\",\"stream\":\"a\",\"source\":\"b\"}\n\n", string(out))
}
