package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultSendTimeout = time.Second

// Broadcaster keeps the outbound wire of every live connection and delivers
// encoded frames to an audience. Delivery is best-effort at-most-once: a wire
// that cannot accept a frame within the send timeout just misses it.
type Broadcaster struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]chan<- []byte
}

func NewBroadcaster(logger *zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.With().Str("component", "broadcast").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]chan<- []byte),
	}
}

// Attach registers a connection's outbound channel.
func (b *Broadcaster) Attach(connID string, tx chan<- []byte) {
	b.mx.Lock()
	b.wires[connID] = tx
	b.mx.Unlock()
	b.logger.Debug().Str("connID", connID).Msg("wire attached")
}

// Detach removes the connection's wire. Frames addressed to a detached
// connection are silently skipped.
func (b *Broadcaster) Detach(connID string) {
	b.mx.Lock()
	delete(b.wires, connID)
	b.mx.Unlock()
	b.logger.Debug().Str("connID", connID).Msg("wire detached")
}

// Unicast delivers a frame to a single connection.
func (b *Broadcaster) Unicast(ctx context.Context, connID string, payload []byte) bool {
	b.mx.RLock()
	tx, ok := b.wires[connID]
	b.mx.RUnlock()
	if !ok {
		b.logger.Debug().Str("connID", connID).Msg("cannot deliver, wire not found")
		return false
	}
	sent, _ := b.send(ctx, connID, tx, payload)
	return sent
}

// Fanout delivers a frame to every listed connection except exclude.
// Returns the number of wires that accepted the frame.
func (b *Broadcaster) Fanout(ctx context.Context, connIDs []string, exclude string, payload []byte) int {
	b.mx.RLock()
	targets := make(map[string]chan<- []byte, len(connIDs))
	for _, id := range connIDs {
		if id == exclude {
			continue
		}
		if tx, ok := b.wires[id]; ok {
			targets[id] = tx
		}
	}
	b.mx.RUnlock()

	var delivered int
	for id, tx := range targets {
		sent, canceled := b.send(ctx, id, tx, payload)
		if canceled {
			break
		}
		if sent {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) send(ctx context.Context, connID string, tx chan<- []byte, payload []byte) (bool, bool) {
	var sent, canceled bool
	t := time.NewTimer(defaultSendTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-t.C:
		b.logger.Error().Str("connID", connID).Msg("dead endpoint, frame dropped")
	case tx <- payload:
		sent = true
	}
	t.Stop()
	return sent, canceled
}
