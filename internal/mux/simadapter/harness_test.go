package simadapter

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/mux"
)

func TestHarnessFeedsAdapterOverWebsocket(t *testing.T) {
	a := New()
	id := a.AddPane("shell", "tmux", "/home/op")

	h := NewHarness(a)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		_ = http.Serve(ln, h.routes())
	}()
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws://" + ln.Addr().String() + "/ws/feed"
	if err := dialFeed(ctx, url, feedRequest{PaneID: id, Data: "$ echo hi\nhi\n"}); err != nil {
		t.Fatalf("dialFeed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		buf, err := a.GetText(ctx, id, mux.ModeScrollbackNLines, 100)
		if err == nil && len(buf) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("feed never reached the adapter")
}
