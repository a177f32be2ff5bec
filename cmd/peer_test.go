package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	sig "peerdrop/signal"
)

func TestConnectPeerRejectsFullRoom(t *testing.T) {
	t.Setenv("PEERDROP_DATA_DIR", t.TempDir())

	server, err := sig.ListenRelay("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenRelay failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	prevRelay := flagRelay
	flagRelay = server.Addr().String()
	t.Cleanup(func() { flagRelay = prevRelay })

	for i := 0; i < 2; i++ {
		client, err := sig.Dial(flagRelay, "crowded", sig.ClientOptions{})
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := connectPeer(ctx, "crowded", peerConfig{})
	if err == nil {
		p.Close()
		t.Fatal("connectPeer joined a full room")
	}
	if !errors.Is(err, sig.ErrRoomFull) {
		t.Fatalf("connectPeer error = %v, want room-full", err)
	}
}
