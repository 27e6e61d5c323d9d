package eip155

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestSubscriptionServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var req jsonRPCRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "eth_subscribe":
				resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub1"}
				require.NoError(t, conn.WriteJSON(resp))
				go func() {
					time.Sleep(20 * time.Millisecond)
					notif := map[string]any{
						"jsonrpc": "2.0",
						"method":  "eth_subscription",
						"params": map[string]any{
							"subscription": "0xsub1",
							"result":       map[string]any{"number": "0x1"},
						},
					}
					_ = conn.WriteJSON(notif)
				}()
			case "eth_unsubscribe":
				resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": true}
				require.NoError(t, conn.WriteJSON(resp))
			}
		}
	}))
}

func TestSubscriptionClientDeliversNotifications(t *testing.T) {
	srv := newTestSubscriptionServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx := context.Background()
	client, err := DialSubscriptionClient(ctx, wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	ch, subID, err := client.Subscribe(ctx, "newHeads")
	require.NoError(t, err)
	require.Equal(t, "0xsub1", subID)

	select {
	case payload := <-ch:
		require.Contains(t, string(payload), "0x1")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription notification")
	}

	require.NoError(t, client.Unsubscribe(ctx, subID))
}
