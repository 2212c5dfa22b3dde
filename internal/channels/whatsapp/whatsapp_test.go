package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestJID(t *testing.T) {
	if got := toJID("+4915112345678"); got != "4915112345678@s.whatsapp.net" {
		t.Errorf("toJID = %s", got)
	}
	if got := fromJID("4915112345678:12@s.whatsapp.net"); got != "+4915112345678" {
		t.Errorf("fromJID = %s", got)
	}
}

func TestSender_SendAndReceive(t *testing.T) {
	received := make(chan frame, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(frame{Type: "message", From: "4915199999999@s.whatsapp.net", Content: "Hallo", ID: "wamid.1"})
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			received <- f
		}
	}))
	defer srv.Close()

	type inbound struct{ from, text, id string }
	in := make(chan inbound, 1)
	s, err := New("ws"+strings.TrimPrefix(srv.URL, "http"), func(_ context.Context, from, text, id string) {
		in <- inbound{from, text, id}
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Close()

	select {
	case got := <-in:
		if got.from != "+4915199999999" || got.text != "Hallo" || got.id != "wamid.1" {
			t.Errorf("inbound = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Send(ctx, "+4915112345678", "Termin bestätigt", "t1"); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-received:
		raw, _ := json.Marshal(f)
		if f.To != "4915112345678@s.whatsapp.net" || f.Content != "Termin bestätigt" {
			t.Errorf("bridge got %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge received nothing")
	}
}

func TestSender_UnreachableBridge(t *testing.T) {
	s, _ := New("ws://127.0.0.1:1/ws", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Send(ctx, "+4915112345678", "x", "t1"); err == nil {
		t.Fatal("expected error for unreachable bridge")
	}
}
