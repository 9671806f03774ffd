package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatbroker/pkg/broadcast"
	"github.com/lrhodin/chatbroker/pkg/connector"
	"github.com/lrhodin/chatbroker/pkg/worker"
)

type recordingSink struct {
	lock   sync.Mutex
	events []*broadcast.Event
}

func (r *recordingSink) Send(_ context.Context, evt *broadcast.Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSink) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.events)
}

func TestBroadcastsAreNotQueuedBehindSyncWork(t *testing.T) {
	cfg, err := connector.ParseConfig(nil)
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "broker.db")
	cfg.Workers.Count = 1
	log := zerolog.Nop()

	b, err := newBroker(context.Background(), cfg, &log)
	require.NoError(t, err)
	require.NotSame(t, b.Pool, b.BroadcastPool)
	assert.Same(t, b.BroadcastPool, b.Dispatcher.Pool)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, b.Pool.Enqueue(&worker.Task{
		Name:    "sync",
		Timeout: time.Minute,
		Run: func(ctx context.Context) error {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))
	<-started
	defer b.Close()
	defer close(release)

	sink := &recordingSink{}
	b.Dispatcher.Sink = sink
	b.Dispatcher.Dispatch(&broadcast.Event{Name: broadcast.EventConversationUpdated, AccountID: 1})
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}
