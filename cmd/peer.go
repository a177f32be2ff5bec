package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peerdrop/config"
	"peerdrop/session"
	sig "peerdrop/signal"
	"peerdrop/storage"
	"peerdrop/transfer"
)

// channelOpenTimeout bounds the wait for negotiation plus channel open.
const channelOpenTimeout = 60 * time.Second

// peerConfig carries per-command wiring for a peer connection.
type peerConfig struct {
	onSendProgress    func(percent int)
	onReceiveProgress func(percent int)
	onReceiveStatus   func(status transfer.Status)
	onPending         func(meta transfer.FileMetadata)
	onCompleted       func(record transfer.CompletedTransfer)
	provider          storage.TargetProvider
	history           *storage.History
}

// peer bundles everything one CLI session holds open.
type peer struct {
	logger   *zap.Logger
	client   *sig.Client
	machine  *session.Machine
	endpoint *transfer.Endpoint
	objects  *storage.ObjectStore
}

func (p *peer) Sender() *transfer.Sender      { return p.endpoint.Sender }
func (p *peer) Receiver() *transfer.Receiver  { return p.endpoint.Receiver }
func (p *peer) Objects() *storage.ObjectStore { return p.objects }

func (p *peer) Close() {
	p.endpoint.Detach()
	_ = p.machine.Close()
	_ = p.client.Close()
	_ = p.logger.Sync()
}

// connectPeer joins the room, drives negotiation to a connected data channel,
// and attaches a transfer endpoint to it.
func connectPeer(ctx context.Context, roomCode string, pc peerConfig) (*peer, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, err
	}

	relayAddr, err := resolveRelayAddress(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects := storage.NewObjectStore()
	receiver, err := transfer.NewReceiver(transfer.ReceiverOptions{
		Logger:      logger,
		Provider:    pc.provider,
		Objects:     objects,
		History:     pc.history,
		OnPending:   pc.onPending,
		OnCompleted: pc.onCompleted,
		OnProgress:  pc.onReceiveProgress,
		OnStatus:    pc.onReceiveStatus,
	})
	if err != nil {
		return nil, err
	}
	sender := transfer.NewSender(transfer.SenderOptions{
		Logger:     logger,
		OnProgress: pc.onSendProgress,
	})
	endpoint := transfer.NewEndpoint(sender, receiver, logger)

	opened := make(chan session.DataChannel, 1)
	roomFull := make(chan struct{}, 1)
	var machine *session.Machine

	client, err := sig.Dial(relayAddr, roomCode, sig.ClientOptions{
		Logger: logger,
		OnDown: func() {
			if machine != nil {
				machine.Reset()
			}
		},
		OnRoomFull: func() {
			select {
			case roomFull <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}

	machine, err = session.NewMachine(session.MachineOptions{
		Relay:     client,
		Transport: session.NewWebRTCFactory(session.WebRTCConfig{STUNServers: cfg.STUNServers}),
		Logger:    logger,
		OnChannelOpen: func(channel session.DataChannel) {
			select {
			case opened <- channel:
			default:
			}
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	machine.Bind(client)

	fmt.Printf("Waiting for peer in room %q...\n", roomCode)
	select {
	case channel := <-opened:
		endpoint.Attach(channel)
	case <-roomFull:
		_ = machine.Close()
		_ = client.Close()
		return nil, sig.ErrRoomFull
	case <-time.After(channelOpenTimeout):
		_ = machine.Close()
		_ = client.Close()
		return nil, errors.New("timed out waiting for a peer")
	case <-ctx.Done():
		_ = machine.Close()
		_ = client.Close()
		return nil, ctx.Err()
	}

	return &peer{
		logger:   logger,
		client:   client,
		machine:  machine,
		endpoint: endpoint,
		objects:  objects,
	}, nil
}
