package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"funding_arb/internal/mock"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestStopLeavesNoGoroutinesBehind(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	// Let the runtime settle before counting.
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	client := NewClient(url, func([]byte) {}, mock.NewNopLogger())
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)
	client.Start()
	time.Sleep(200 * time.Millisecond)
	client.Stop()

	time.Sleep(50 * time.Millisecond)
	after := runtime.NumGoroutine()

	// Stop waits on the run loop and the heartbeat; anything left is a leak.
	assert.LessOrEqual(t, after, before+1, "run loop or heartbeat goroutine leaked past Stop")
}
