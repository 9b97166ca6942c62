package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/core"
)

func TestRouterSendReceive(t *testing.T) {
	r := NewRouter()
	_, err := r.Register("alice")
	require.NoError(t, err)
	_, err = r.Register("bob")
	require.NoError(t, err)

	t.Run("per recipient fifo", func(t *testing.T) {
		require.NoError(t, r.Send(core.NewMessage("alice", "bob", "", "first")))
		require.NoError(t, r.Send(core.NewMessage("carol", "bob", "", "second")))
		require.NoError(t, r.Send(core.NewMessage("alice", "bob", "", "third")))

		msgs, err := r.Receive("bob")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Body)
		assert.Equal(t, "second", msgs[1].Body)
		assert.Equal(t, "third", msgs[2].Body)
	})

	t.Run("receive does not consume", func(t *testing.T) {
		msgs, err := r.Receive("bob")
		require.NoError(t, err)
		assert.Len(t, msgs, 3)
	})

	t.Run("mark read keeps history", func(t *testing.T) {
		msgs, err := r.Receive("bob")
		require.NoError(t, err)

		require.NoError(t, r.MarkRead("bob", []string{msgs[0].ID}))

		unread, err := r.Receive("bob")
		require.NoError(t, err)
		require.Len(t, unread, 2)
		assert.Equal(t, "second", unread[0].Body)

		box, ok := r.Mailbox("bob")
		require.True(t, ok)
		assert.Len(t, box.History(), 3)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		err := r.Send(core.NewMessage("alice", "nobody", "", "hello"))
		var urErr *UnknownRecipientError
		require.ErrorAs(t, err, &urErr)
		assert.Equal(t, "nobody", urErr.Recipient)

		_, err = r.Receive("nobody")
		assert.ErrorAs(t, err, &urErr)
	})
}

func TestRouterWake(t *testing.T) {
	t.Run("waiters woken in wait order", func(t *testing.T) {
		r := NewRouter()
		_, err := r.Register("bob")
		require.NoError(t, err)

		first := r.AwaitMessage("bob")
		second := r.AwaitMessage("bob")

		require.NoError(t, r.Send(core.NewMessage("alice", "bob", "", "one")))

		select {
		case <-first:
		case <-time.After(time.Second):
			t.Fatal("first waiter not woken")
		}
		select {
		case <-second:
			t.Fatal("second waiter woken by a single message")
		default:
		}

		require.NoError(t, r.Send(core.NewMessage("alice", "bob", "", "two")))
		select {
		case <-second:
		case <-time.After(time.Second):
			t.Fatal("second waiter not woken")
		}
	})

	t.Run("cancelled waiter is skipped", func(t *testing.T) {
		r := NewRouter()
		_, err := r.Register("bob")
		require.NoError(t, err)

		stale := r.AwaitMessage("bob")
		live := r.AwaitMessage("bob")
		r.CancelWait("bob", stale)

		require.NoError(t, r.Send(core.NewMessage("alice", "bob", "", "hello")))

		select {
		case <-live:
		case <-time.After(time.Second):
			t.Fatal("live waiter not woken after cancellation of the stale one")
		}
	})
}

func TestRouterPersistence(t *testing.T) {
	store := NewInMemoryStore()

	r := NewRouter(func(o *RouterOptions) { o.Store = store })
	_, err := r.Register("bob")
	require.NoError(t, err)

	msg := core.NewMessage("alice", "bob", "greeting", "hello")
	require.NoError(t, r.Send(msg))
	require.NoError(t, r.MarkRead("bob", []string{msg.ID}))

	// A fresh router over the same store sees the full history.
	r2 := NewRouter(func(o *RouterOptions) { o.Store = store })
	box, err := r2.Register("bob")
	require.NoError(t, err)

	history := box.History()
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Body)
	assert.Equal(t, []string{msg.ID}, box.ReadIDs())
	assert.Empty(t, box.Unread())
}

func TestRouterInterests(t *testing.T) {
	r := NewRouter()
	_, err := r.Register("bob")
	require.NoError(t, err)
	_, err = r.Register("carol")
	require.NoError(t, err)

	r.RegisterInterest("search", "bob")
	r.RegisterInterest("search", "carol")
	r.RegisterInterest("search", "bob") // duplicate is ignored

	assert.Equal(t, []string{"bob", "carol"}, r.Locate("search"))
	assert.Empty(t, r.Locate("unknown"))

	r.Unregister("bob")
	assert.Equal(t, []string{"carol"}, r.Locate("search"))
}

func TestRouterRestoreMailbox(t *testing.T) {
	r := NewRouter()

	msgs := []core.Message{
		core.NewMessage("alice", "bob", "", "one"),
		core.NewMessage("alice", "bob", "", "two"),
	}
	r.RestoreMailbox("bob", msgs, []string{msgs[0].ID})

	unread, err := r.Receive("bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "two", unread[0].Body)
}
