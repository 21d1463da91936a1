package session

import (
	"context"
	"testing"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func TestBus_FanOutAndSink(t *testing.T) {
	sink := new(mockPublisher)
	first := StatusEvent{SessionID: "session-1", Kind: protocol.KindDKG, State: StateProposed}
	second := StatusEvent{SessionID: "session-1", Kind: protocol.KindDKG, State: StateFailed, Reason: FailureCancelled}
	sink.On("PublishMessage", mock.Anything, "status", first).Return(nil).Once()
	sink.On("PublishMessage", mock.Anything, "status", second).Return(errors.New("redis down")).Once()

	b := newBus(sink, "status")
	ch1, cancel1 := b.subscribe(4)
	ch2, cancel2 := b.subscribe(4)
	defer cancel2()

	b.publish(first)
	cancel1()
	b.publish(second)

	assert.Equal(t, first, <-ch1)
	_, open := <-ch1
	assert.False(t, open)

	assert.Equal(t, first, <-ch2)
	assert.Equal(t, second, <-ch2)

	b.close()
	sink.AssertExpectations(t)

	_, open = <-ch2
	assert.False(t, open)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := newBus(nil, "")
	defer b.close()

	ch, cancel := b.subscribe(1)
	defer cancel()

	b.publish(StatusEvent{SessionID: "a"})
	b.publish(StatusEvent{SessionID: "b"})

	ev := <-ch
	assert.Equal(t, "a", ev.SessionID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestBus_ClosedBusIgnoresPublish(t *testing.T) {
	b := newBus(nil, "")
	b.close()
	b.close()

	ch, cancel := b.subscribe(1)
	defer cancel()
	_, open := <-ch
	require.False(t, open)

	b.publish(StatusEvent{SessionID: "late"})
}
