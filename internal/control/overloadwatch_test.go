package control

import (
	"net"
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/wire"
)

func TestOverloadWatcherObservesServerOverload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	codec := wire.Codec{}
	w := watchServerOverload(client, &codec)

	if _, err := codec.EncodeTo(server, &wire.ServerOverload{}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	server.Close()

	time.Sleep(50 * time.Millisecond)
	if !w.Stop() {
		t.Fatal("watcher did not observe ServerOverload")
	}
}

func TestOverloadWatcherStopsCleanlyWithoutOverload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	codec := wire.Codec{}
	w := watchServerOverload(client, &codec)

	if w.Stop() {
		t.Fatal("watcher reported overload that was never sent")
	}

	// the deadline set while polling must be cleared, so a normal
	// synchronous read afterward isn't cut short by it.
	if err := client.SetReadDeadline(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetReadDeadline after Stop: %v", err)
	}
}
