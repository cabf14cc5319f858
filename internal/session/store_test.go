package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-guard/internal/guard"
	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

func newSession(t *testing.T) *guard.Session {
	t.Helper()
	san, err := sanitize.New(nil, nil, sanitize.Options{Deterministic: true})
	require.NoError(t, err)
	orch, err := guard.New(guard.Config{Sanitizer: san})
	require.NoError(t, err)
	sess, err := orch.Screen(context.Background(), "hello")
	require.NoError(t, err)
	return sess
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestStore_PutGet(t *testing.T) {
	s := NewStore(0, nil)
	assert.Equal(t, DefaultTTL, s.TTL())

	sess := newSession(t)
	s.Put(sess)
	assert.Equal(t, 1, s.Len())

	rec, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, rec.Session)
	assert.False(t, rec.HasOutput)

	require.NoError(t, s.SetOutput(sess.ID, "answer"))
	rec, err = s.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, rec.HasOutput)
	assert.Equal(t, "answer", rec.Output)

	s.Delete(sess.ID)
	_, err = s.Get(sess.ID)
	assert.ErrorIs(t, err, guarderr.ErrUnavailable)
}

func TestStore_Unknown(t *testing.T) {
	s := NewStore(time.Minute, nil)
	_, err := s.Get("not-a-uuid")
	assert.ErrorIs(t, err, guarderr.ErrUnavailable)
	_, err = s.Get(uuid.NewString())
	assert.ErrorIs(t, err, guarderr.ErrUnavailable)
	assert.ErrorIs(t, s.SetOutput(uuid.NewString(), "x"), guarderr.ErrUnavailable)
}

func TestStore_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewStore(time.Minute, nil)
	s.now = clock.now

	a, b := newSession(t), newSession(t)
	s.Put(a)
	s.Put(b)

	// Touching a refreshes its expiry.
	clock.t = clock.t.Add(50 * time.Second)
	_, err := s.Get(a.ID)
	require.NoError(t, err)

	clock.t = clock.t.Add(20 * time.Second)
	_, err = s.Get(a.ID)
	require.NoError(t, err)
	_, err = s.Get(b.ID)
	assert.ErrorIs(t, err, guarderr.ErrUnavailable)

	clock.t = clock.t.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Zero(t, s.Len())
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	s := NewStore(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
