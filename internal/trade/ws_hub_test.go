package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/predict-engine/internal/trade"
)

func TestWSHub_BroadcastReachesClient(t *testing.T) {
	hub := trade.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; keep broadcasting until one arrives.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	done := make(chan trade.WSMessage, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg trade.WSMessage
		json.Unmarshal(data, &msg)
		done <- msg
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-done:
			if msg.Type != "trade_executed" || msg.MarketID != "m1" || msg.YesPrice != "0.41" {
				t.Errorf("unexpected message %+v", msg)
			}
			return
		case <-tick.C:
			hub.Broadcast(trade.WSMessage{Type: "trade_executed", MarketID: "m1", YesPrice: "0.41", NoPrice: "0.59"})
		case <-deadline:
			t.Fatal("no broadcast received")
		}
	}
}
