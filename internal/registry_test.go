package internal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/chatmesh/chatmesh/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry(8)

	conn, err := reg.Register("alice", "127.0.0.1:1234")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "alice", conn.Identity)

	assert.Same(t, conn, reg.Lookup("alice"))
	assert.Nil(t, reg.Lookup("bob"))
}

func TestRegistryDuplicateIdentity(t *testing.T) {
	reg := NewRegistry(8)

	_, err := reg.Register("alice", "127.0.0.1:1")
	require.NoError(t, err)

	_, err = reg.Register("alice", "127.0.0.1:2")
	require.Error(t, err)

	var dup *errors.DuplicateIdentity
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "alice", dup.Identity)
}

func TestRegistryLookupAfterUnregister(t *testing.T) {
	reg := NewRegistry(8)

	conn, err := reg.Register("alice", "127.0.0.1:1")
	require.NoError(t, err)

	require.True(t, reg.Unregister("alice"))
	assert.Nil(t, reg.Lookup("alice"))

	// The removed connection is closed so blocked senders unblock.
	select {
	case <-conn.Done():
	default:
		t.Fatal("expected connection to be closed after unregister")
	}

	// Unregister is idempotent.
	assert.False(t, reg.Unregister("alice"))

	// The identity is free for re-registration.
	_, err = reg.Register("alice", "127.0.0.1:2")
	require.NoError(t, err)
}

func TestRegistryEnqueueOutbound(t *testing.T) {
	reg := NewRegistry(2)

	conn, err := reg.Register("alice", "127.0.0.1:1")
	require.NoError(t, err)

	require.NoError(t, reg.EnqueueOutbound("alice", []byte("one")))
	require.NoError(t, reg.EnqueueOutbound("alice", []byte("two")))

	// FIFO order on the outbound queue.
	assert.Equal(t, []byte("one"), <-conn.Outbound())
	assert.Equal(t, []byte("two"), <-conn.Outbound())

	var notFound *errors.NotFound
	err = reg.EnqueueOutbound("bob", []byte("x"))
	require.ErrorAs(t, err, &notFound)
}

func TestRegistryEnqueueFullQueue(t *testing.T) {
	reg := NewRegistry(1)

	_, err := reg.Register("alice", "127.0.0.1:1")
	require.NoError(t, err)

	require.NoError(t, reg.EnqueueOutbound("alice", []byte("one")))

	var full *errors.QueueFull
	err = reg.EnqueueOutbound("alice", []byte("two"))
	require.ErrorAs(t, err, &full)
}

func TestRegistryEnqueueAfterClose(t *testing.T) {
	reg := NewRegistry(8)

	conn, err := reg.Register("alice", "127.0.0.1:1")
	require.NoError(t, err)
	conn.Close()
	conn.Close() // double close is a no-op

	err = conn.Enqueue([]byte("x"))
	require.Error(t, err)
}

func TestRegistryConcurrentRegistrationsNeverCollide(t *testing.T) {
	reg := NewRegistry(8)

	const workers = 16
	const rounds = 50

	var wg sync.WaitGroup
	successes := make([]int, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				identity := fmt.Sprintf("id-%d", i)
				if _, err := reg.Register(identity, "addr"); err == nil {
					successes[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	// Exactly one worker won each identity.
	total := 0
	for _, s := range successes {
		total += s
	}
	assert.Equal(t, rounds, total)
	assert.Len(t, reg.Identities(), rounds)
}
