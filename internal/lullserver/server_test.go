package lullserver

import (
	"context"
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/control"
	"github.com/crusader-labs/lull/internal/model"
)

func startTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	srv := NewServer(WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not become ready")
	}
	return srv, cancel
}

func TestDownloadOnlyTestRunsEndToEnd(t *testing.T) {
	srv, cancel := startTestServer(t)
	defer cancel()

	cfg := model.Config{
		LoadDuration:      150 * time.Millisecond,
		GraceDuration:     300 * time.Millisecond,
		Stagger:           0,
		BandwidthInterval: 20 * time.Millisecond,
		PingInterval:      20 * time.Millisecond,
		Streams:           1,
		Download:          true,
	}

	ctx, clientCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer clientCancel()

	var messages []string
	cb := control.Callbacks{OnMessage: func(m string) { messages = append(messages, m) }}

	result, err := control.RunClientTest(ctx, srv.Addr(), cfg, cb, nil,
		control.WithSyncBurst(10), control.WithConnectTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("RunClientTest: %v", err)
	}
	if len(result.StreamGroups) != 1 {
		t.Fatalf("expected 1 stream group, got %d", len(result.StreamGroups))
	}
	g := result.StreamGroups[0]
	if !g.Download {
		t.Fatalf("expected a download group")
	}
	if len(g.Streams) != 1 {
		t.Fatalf("expected 1 stream in group, got %d", len(g.Streams))
	}
	if len(g.Streams[0]) == 0 {
		t.Fatalf("expected at least one recorded bandwidth sample")
	}
	last := g.Streams[0][len(g.Streams[0])-1]
	if last.CumulativeBytes == 0 {
		t.Fatalf("expected nonzero bytes transferred")
	}
	if len(result.Pings) == 0 {
		t.Fatalf("expected at least one ping sample")
	}
	if len(messages) == 0 {
		t.Fatalf("expected progress messages via OnMessage")
	}
}

func TestUploadOnlyTestReturnsServerRecordedSamples(t *testing.T) {
	srv, cancel := startTestServer(t)
	defer cancel()

	cfg := model.Config{
		LoadDuration:      150 * time.Millisecond,
		GraceDuration:     300 * time.Millisecond,
		BandwidthInterval: 20 * time.Millisecond,
		PingInterval:      20 * time.Millisecond,
		Streams:           1,
		Upload:            true,
	}

	ctx, clientCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer clientCancel()

	result, err := control.RunClientTest(ctx, srv.Addr(), cfg, control.Callbacks{}, nil,
		control.WithSyncBurst(10), control.WithConnectTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("RunClientTest: %v", err)
	}
	if len(result.StreamGroups) != 1 {
		t.Fatalf("expected 1 stream group, got %d", len(result.StreamGroups))
	}
	g := result.StreamGroups[0]
	if g.Download {
		t.Fatalf("expected an upload group")
	}
	if len(g.Streams) != 1 || len(g.Streams[0]) == 0 {
		t.Fatalf("expected server-recorded samples fetched via GetMeasurements, got %+v", g.Streams)
	}
}

func TestMaxClientsRejectsExtraSessions(t *testing.T) {
	srv := NewServer(WithListenAddr("127.0.0.1:0"), WithMaxClients(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not become ready")
	}

	cfg := model.Config{
		LoadDuration:      500 * time.Millisecond,
		GraceDuration:     300 * time.Millisecond,
		BandwidthInterval: 20 * time.Millisecond,
		PingInterval:      20 * time.Millisecond,
		Streams:           1,
		Download:          true,
	}
	firstCtx, firstCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer firstCancel()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := control.RunClientTest(firstCtx, srv.Addr(), cfg, control.Callbacks{}, nil,
			control.WithSyncBurst(5), control.WithConnectTimeout(2*time.Second))
		if err != nil {
			t.Logf("first session: %v", err)
		}
	}()

	// Give the first session time to register before dialing the second.
	time.Sleep(150 * time.Millisecond)

	secondCtx, secondCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer secondCancel()
	_, err := control.RunClientTest(secondCtx, srv.Addr(), cfg, control.Callbacks{}, nil,
		control.WithConnectTimeout(500*time.Millisecond))
	if err == nil {
		t.Fatalf("expected the second session to be rejected while the first is active")
	}

	<-firstDone
}
