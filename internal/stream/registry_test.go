package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
)

func testSession(id, owner string) *Session {
	return newSession(id, owner, StartRequest{Queue: "q", Vhost: "/"}, NewBridge(0), time.Now())
}

func TestRegistryRegisterLookupRemove(t *testing.T) {
	r := NewRegistry()
	s := testSession("ses_1", "cli_1")

	require.NoError(t, r.Register(s))
	got, ok := r.Lookup("ses_1")
	require.True(t, ok)
	assert.Same(t, s, got)

	r.Remove("ses_1")
	_, ok = r.Lookup("ses_1")
	assert.False(t, ok)
	assert.Empty(t, r.ForOwner("cli_1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDuplicateSession(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testSession("ses_1", "a")))
	assert.ErrorIs(t, r.Register(testSession("ses_1", "b")), rserrors.ErrDuplicateSession)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Remove("missing")
	require.NoError(t, r.Register(testSession("ses_1", "a")))
	r.Remove("ses_1")
	r.Remove("ses_1")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRegisterExclusive(t *testing.T) {
	r := NewRegistry()
	first := testSession("ses_1", "owner")
	require.NoError(t, r.RegisterExclusive(first))

	assert.ErrorIs(t, r.RegisterExclusive(testSession("ses_2", "owner")), rserrors.ErrSessionAlreadyActive)
	assert.NoError(t, r.RegisterExclusive(testSession("ses_3", "other")))

	// a closed session that has not been removed yet does not block
	first.transition(StateClosed)
	assert.NoError(t, r.RegisterExclusive(testSession("ses_4", "owner")))
}

func TestRegistryListOrdersByID(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"ses_c", "ses_a", "ses_b"} {
		require.NoError(t, r.Register(testSession(id, "o")))
	}
	var ids []string
	for _, s := range r.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"ses_a", "ses_b", "ses_c"}, ids)
	assert.Len(t, r.ForOwner("o"), 3)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("ses_%03d", i)
			_ = r.Register(testSession(id, fmt.Sprintf("owner_%d", i%5)))
			r.Lookup(id)
			r.List()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, r.Len())
}

func TestSessionTransitionsOnlyMoveForward(t *testing.T) {
	s := testSession("ses_1", "o")
	assert.Equal(t, StateConnecting, s.State())

	assert.True(t, s.transition(StateReady))
	assert.True(t, s.transition(StateStopping))
	assert.False(t, s.transition(StateConsuming), "a stopping session must not resume consuming")
	assert.True(t, s.transition(StateClosed))
	assert.False(t, s.transition(StateStopping))
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionFailRecordsError(t *testing.T) {
	s := testSession("ses_1", "o")
	s.fail(rserrors.ErrQueueNotFound)
	s.fail(rserrors.ErrUnexpectedDisconnect)

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), rserrors.ErrQueueNotFound)
	assert.Equal(t, rserrors.ErrQueueNotFound.Error(), s.Info().Error)
}
