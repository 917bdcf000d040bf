package chatsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

func TestFeedDeliversInSubscriptionOrder(t *testing.T) {
	f := newFeed[int](logging.Component("test"))
	var got []string
	f.subscribe(func(v int) { got = append(got, "a") })
	f.subscribe(func(v int) { got = append(got, "b") })

	f.publish("", 1, 10)
	require.Equal(t, []string{"a", "b"}, got)
}

func TestFeedDropsStaleVersions(t *testing.T) {
	f := newFeed[string](logging.Component("test"))
	var got []string
	f.subscribe(func(v string) { got = append(got, v) })

	f.publish("c1", 2, "second")
	f.publish("c1", 1, "first")
	f.publish("c1", 2, "again")
	f.publish("c2", 1, "other key")

	require.Equal(t, []string{"second", "other key"}, got)
}

func TestFeedUnsubscribe(t *testing.T) {
	f := newFeed[int](logging.Component("test"))
	calls := 0
	var unsubscribe func()
	unsubscribe = f.subscribe(func(int) {
		calls++
		unsubscribe()
	})

	f.publish("", 1, 1)
	f.publish("", 2, 2)
	unsubscribe()

	require.Equal(t, 1, calls)
}

func TestFeedSurvivesPanickingHandler(t *testing.T) {
	f := newFeed[int](logging.Component("test"))
	var got []int
	f.subscribe(func(int) { panic("boom") })
	f.subscribe(func(v int) { got = append(got, v) })

	require.NotPanics(t, func() { f.publish("", 1, 7) })
	require.Equal(t, []int{7}, got)
}
