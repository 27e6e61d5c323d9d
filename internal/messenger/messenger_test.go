package messenger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTopicDedupesEqualPublications(t *testing.T) {
	m := New(nil)
	m.DeclareStateTopic("chain", func(a, b any) bool { return a.(int) == b.(int) })

	var got []int
	m.Subscribe("chain", func(p any) { got = append(got, p.(int)) })

	m.Publish("chain", 1)
	m.Publish("chain", 1)
	m.Publish("chain", 2)

	require.Equal(t, []int{1, 2}, got)
}

func TestSubscribeReplaysSnapshot(t *testing.T) {
	m := New(nil)
	m.DeclareStateTopic("chain", func(a, b any) bool { return a == b })
	m.Publish("chain", "eip155:1")

	var got []any
	m.Subscribe("chain", func(p any) { got = append(got, p) })

	require.Equal(t, []any{"eip155:1"}, got)
}

func TestEventTopicAlwaysFansOut(t *testing.T) {
	m := New(nil)
	var count int
	m.Subscribe("approval:requested", func(any) { count++ })

	m.Publish("approval:requested", "task-1")
	m.Publish("approval:requested", "task-1")

	require.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New(nil)
	var count int
	unsub := m.Subscribe("evt", func(any) { count++ })
	m.Publish("evt", nil)
	unsub()
	m.Publish("evt", nil)
	require.Equal(t, 1, count)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := New(nil)
	unsub := m.Subscribe("evt", func(any) {})
	unsub()
	require.NotPanics(t, func() { unsub() })
}

func TestHandlerPanicDoesNotAbortFanout(t *testing.T) {
	m := New(nil)
	var secondCalled bool
	m.Subscribe("evt", func(any) { panic("boom") })
	m.Subscribe("evt", func(any) { secondCalled = true })

	require.NotPanics(t, func() { m.Publish("evt", nil) })
	require.True(t, secondCalled)
}

func TestReentrantSubscribeDuringFanoutMissesCurrentPublication(t *testing.T) {
	m := New(nil)
	var lateGot []any
	m.Subscribe("evt", func(any) {
		m.Subscribe("evt", func(p any) { lateGot = append(lateGot, p) })
	})

	m.Publish("evt", "first")
	require.Empty(t, lateGot)

	m.Publish("evt", "second")
	require.Equal(t, []any{"second"}, lateGot)
}
