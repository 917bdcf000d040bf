package chatsync

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(self string, opts ...MessageStoreOption) *MessageStore {
	s := NewMessageStore(opts...)
	s.Reset(self)
	return s
}

// ============================================================================
// Push
// ============================================================================

func TestApplyPushDeduplicatesByID(t *testing.T) {
	s := newTestStore("me")

	require.True(t, s.ApplyPush(msg("m1", "c1", "u2", "hello", at(1))))
	require.True(t, s.ApplyPush(msg("m2", "c1", "u2", "again", at(2))))
	require.False(t, s.ApplyPush(msg("m2", "c1", "u2", "again", at(2))))

	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
}

func TestApplyPushOrdersByCreatedAt(t *testing.T) {
	s := newTestStore("me")

	s.ApplyPush(msg("m3", "c1", "u2", "", at(3)))
	s.ApplyPush(msg("m1", "c1", "u2", "", at(1)))
	s.ApplyPush(msg("tie-a", "c1", "u2", "", at(2)))
	s.ApplyPush(msg("tie-b", "c1", "u2", "", at(2)))

	require.Equal(t, []string{"m1", "tie-a", "tie-b", "m3"}, ids(s.Messages("c1")))
}

func TestApplyPushDerivesIsMine(t *testing.T) {
	s := newTestStore("me")
	s.ApplyPush(msg("m1", "c1", "me", "mine", at(1)))
	s.ApplyPush(msg("m2", "c1", "u2", "theirs", at(2)))

	got := s.Messages("c1")
	require.True(t, got[0].IsMine)
	require.False(t, got[1].IsMine)
}

// ============================================================================
// Poll
// ============================================================================

func TestApplyPollIsIdempotent(t *testing.T) {
	s := newTestStore("me")
	batch := []Message{
		msg("m2", "c1", "u2", "b", at(2)),
		msg("m1", "c1", "u2", "a", at(1)),
		msg("m1", "c1", "u2", "a", at(1)),
	}

	s.ApplyPoll("c1", batch)
	first := s.Messages("c1")
	s.ApplyPoll("c1", batch)

	require.Equal(t, []string{"m1", "m2"}, ids(first))
	require.Equal(t, first, s.Messages("c1"))
}

func TestApplyPollReplacesConfirmedSequence(t *testing.T) {
	s := newTestStore("me")
	s.ApplyPush(msg("m1", "c1", "u2", "a", at(1)))
	s.ApplyPush(msg("gone", "c1", "u2", "x", at(2)))

	s.ApplyPoll("c1", []Message{msg("m1", "c1", "u2", "a", at(1)), msg("m3", "c1", "u2", "c", at(3))})

	require.Equal(t, []string{"m1", "m3"}, ids(s.Messages("c1")))
}

func TestPendingMessageSurvivesPoll(t *testing.T) {
	s := newTestStore("me")
	require.True(t, s.InsertLocal(msg("local-1", "c1", "me", "hi", at(5))))

	s.ApplyPoll("c1", []Message{msg("m1", "c1", "u2", "a", at(1))})

	got := s.Messages("c1")
	require.Equal(t, []string{"m1", "local-1"}, ids(got))
	require.True(t, got[1].Pending)
	require.True(t, got[1].IsMine)
}

func TestConfirmedCopySupersedesPending(t *testing.T) {
	s := newTestStore("me")
	s.InsertLocal(msg("local-1", "c1", "me", "hi", at(5)))

	s.ApplyPoll("c1", []Message{msg("m9", "c1", "me", "hi", at(6))})

	got := s.Messages("c1")
	require.Equal(t, []string{"m9"}, ids(got))
	require.False(t, got[0].Pending)
}

func TestConfirmedPushSupersedesPending(t *testing.T) {
	s := newTestStore("me")
	s.InsertLocal(msg("local-1", "c1", "me", "hi", at(5)))

	s.ApplyPush(msg("m9", "c1", "me", "hi", at(6)))

	require.Equal(t, []string{"m9"}, ids(s.Messages("c1")))
}

func TestEachConfirmedMessageSupersedesOnePending(t *testing.T) {
	s := newTestStore("me")
	s.InsertLocal(msg("local-1", "c1", "me", "hi", at(5)))
	s.InsertLocal(msg("local-2", "c1", "me", "hi", at(7)))

	s.ApplyPoll("c1", []Message{msg("m9", "c1", "me", "hi", at(6))})

	require.Equal(t, []string{"m9", "local-2"}, ids(s.Messages("c1")))
}

func TestKnownConfirmedMessageDoesNotSupersedeNewPending(t *testing.T) {
	s := newTestStore("me")
	s.ApplyPoll("c1", []Message{msg("m1", "c1", "me", "hi", at(1))})
	s.InsertLocal(msg("local-1", "c1", "me", "hi", at(30)))

	s.ApplyPoll("c1", []Message{msg("m1", "c1", "me", "hi", at(1))})

	require.Equal(t, []string{"m1", "local-1"}, ids(s.Messages("c1")))
}

func TestOlderConfirmedMessageDoesNotSupersedePending(t *testing.T) {
	s := newTestStore("me")
	s.InsertLocal(msg("local-1", "c1", "me", "hi", at(60)))

	// First load of the thread: the earlier "hi" is history, not this send.
	s.ApplyPoll("c1", []Message{msg("m1", "c1", "me", "hi", at(10))})
	require.Equal(t, []string{"m1", "local-1"}, ids(s.Messages("c1")))

	// A copy stamped slightly early by a drifting clock still matches.
	s.ApplyPoll("c1", []Message{
		msg("m1", "c1", "me", "hi", at(10)),
		msg("m2", "c1", "me", "hi", at(58)),
	})
	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
}

func TestSupersedeRespectsWindow(t *testing.T) {
	t.Run("outside window", func(t *testing.T) {
		s := newTestStore("me", WithSupersedeWindow(time.Second))
		s.InsertLocal(msg("local-1", "c1", "me", "hi", at(0)))
		s.ApplyPoll("c1", []Message{msg("m9", "c1", "me", "hi", at(10))})
		require.Equal(t, []string{"local-1", "m9"}, ids(s.Messages("c1")))
	})

	t.Run("disabled", func(t *testing.T) {
		s := newTestStore("me", WithSupersedeWindow(0))
		s.InsertLocal(msg("local-1", "c1", "me", "hi", at(0)))
		s.ApplyPoll("c1", []Message{msg("m9", "c1", "me", "hi", at(0))})
		require.Len(t, s.Messages("c1"), 2)
	})

	t.Run("different content", func(t *testing.T) {
		s := newTestStore("me")
		s.InsertLocal(msg("local-1", "c1", "me", "hi", at(0)))
		s.ApplyPoll("c1", []Message{msg("m9", "c1", "me", "hello", at(0))})
		require.Len(t, s.Messages("c1"), 2)
	})
}

func TestApplyPollInDiscardsStaleScope(t *testing.T) {
	s := newTestStore("me")
	scope := s.Scope()
	s.Reset("other")

	require.False(t, s.ApplyPollIn(scope, "c1", []Message{msg("m1", "c1", "u2", "a", at(1))}))
	require.Empty(t, s.Messages("c1"))
}

// ============================================================================
// Local entries
// ============================================================================

func TestInsertLocalRequiresCurrentUser(t *testing.T) {
	s := newTestStore("me")
	require.False(t, s.InsertLocal(msg("local-1", "c1", "someone-else", "hi", at(1))))

	s.Reset("")
	require.False(t, s.InsertLocal(msg("local-2", "c1", "me", "hi", at(1))))
	require.Empty(t, s.Messages("c1"))
}

func TestRemoveOnlyTouchesPending(t *testing.T) {
	s := newTestStore("me")
	s.ApplyPush(msg("m1", "c1", "me", "a", at(1)))
	s.InsertLocal(msg("local-1", "c1", "me", "b", at(2)))

	require.False(t, s.Remove("c1", "m1"))
	require.True(t, s.Remove("c1", "local-1"))
	require.False(t, s.Remove("c1", "local-1"))
	require.Equal(t, []string{"m1"}, ids(s.Messages("c1")))
}

// ============================================================================
// Snapshots
// ============================================================================

func TestSubscribersReceiveImmutableSnapshots(t *testing.T) {
	s := newTestStore("me")
	var snaps []Thread
	s.Subscribe(func(th Thread) { snaps = append(snaps, th) })

	s.ApplyPush(msg("m1", "c1", "u2", "a", at(1)))
	s.ApplyPush(msg("m0", "c1", "u2", "z", at(0)))

	require.Len(t, snaps, 2)
	require.Equal(t, []string{"m1"}, ids(snaps[0].Messages))
	require.Equal(t, []string{"m0", "m1"}, ids(snaps[1].Messages))
}

func TestResetClearsThreads(t *testing.T) {
	s := newTestStore("me")
	s.ApplyPush(msg("m1", "c1", "u2", "a", at(1)))

	var last Thread
	s.Subscribe(func(th Thread) { last = th })
	s.Reset("")

	require.Empty(t, s.Messages("c1"))
	require.Empty(t, s.Conversations())
	require.Equal(t, "c1", last.ConversationID)
	require.Empty(t, last.Messages)
}

func TestSeedOnlyFillsEmptyThread(t *testing.T) {
	s := newTestStore("me")
	s.Seed("c1", []Message{msg("m2", "", "me", "b", at(2)), msg("m1", "", "u2", "a", at(1))})

	got := s.Messages("c1")
	require.Equal(t, []string{"m1", "m2"}, ids(got))
	require.Equal(t, "c1", got[0].ConversationID)
	require.True(t, got[1].IsMine)

	s.Seed("c1", []Message{msg("other", "c1", "u2", "x", at(9))})
	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
}

// ============================================================================
// Interleavings
// ============================================================================

func TestRandomInterleavingsKeepThreadConsistent(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			s := newTestStore("me")
			senders := []string{"me", "u1"}
			contents := []string{"hi", "ok", "later"}

			var server []Message
			var local []string
			for step := 0; step < 200; step++ {
				switch rng.Intn(5) {
				case 0:
					m := msg(fmt.Sprintf("m%d", step), "c1", senders[rng.Intn(2)], contents[rng.Intn(3)], at(rng.Intn(300)))
					server = append(server, m)
					s.ApplyPush(m)
				case 1:
					if len(server) > 0 {
						s.ApplyPush(server[rng.Intn(len(server))])
					}
				case 2:
					batch := slices.Clone(server)
					rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
					s.ApplyPoll("c1", batch)
					got := s.Messages("c1")
					for _, m := range server {
						require.True(t, containsID(got, m.ID), "step %d: %s missing after poll", step, m.ID)
					}
				case 3:
					id := fmt.Sprintf("local-%d", step)
					local = append(local, id)
					s.InsertLocal(msg(id, "c1", "me", contents[rng.Intn(3)], at(rng.Intn(300))))
				case 4:
					if len(local) > 0 {
						s.Remove("c1", local[rng.Intn(len(local))])
					}
				}

				got := s.Messages("c1")
				seen := make(map[string]struct{}, len(got))
				for i, m := range got {
					_, dup := seen[m.ID]
					require.False(t, dup, "step %d: duplicate id %s", step, m.ID)
					seen[m.ID] = struct{}{}
					if i > 0 {
						require.False(t, m.CreatedAt.Before(got[i-1].CreatedAt), "step %d: out of order at %d", step, i)
					}
					if !m.Pending {
						require.True(t, containsID(server, m.ID), "step %d: unknown confirmed id %s", step, m.ID)
					}
				}
			}
		})
	}
}
