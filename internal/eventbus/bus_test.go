package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToMatchingTopic(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe("agent:a1")
	defer sub.Close()

	bus.Publish("agent:a1", AgentReady, map[string]string{"id": "a1"})

	select {
	case ev := <-sub.Events():
		require.Equal(t, AgentReady, ev.Type)
		require.Equal(t, "agent:a1", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishIgnoresOtherTopics(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe("job:j1")
	defer sub.Close()

	bus.Publish("job:j2", JobCompleted, nil)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_AllTopicsReceivesEverything(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(AllTopics)
	defer sub.Close()

	bus.Publish("job:j1", JobAssigned, nil)
	bus.Publish("agent:a1", AgentConnected, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for firehose event")
		}
	}
}

func TestSubscription_DropsOldestWhenFull(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe("job:j1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish("job:j1", JobProgress, i)
	}

	require.Greater(t, sub.Lagged(), uint64(0))
}

func TestBus_CloseRemovesSubscription(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe("job:j1")
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := <-sub.Events()
	require.False(t, ok, "events channel should be closed after unsubscribe")
}
