package msgcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/cache/memory"
	"github.com/prn-tf/alexander-mailblob/internal/repository"
)

func newTestPins(t *testing.T) *Pins {
	t.Helper()
	c := memory.NewCache()
	t.Cleanup(c.Stop)
	return NewPins(c, zerolog.Nop())
}

func TestPins_PinUnpin(t *testing.T) {
	ctx := context.Background()
	p := newTestPins(t)

	require.False(t, p.IsPinned("d1"))

	require.NoError(t, p.Pin(ctx, "d1", time.Minute))
	require.NoError(t, p.Pin(ctx, "d1", time.Minute))
	require.True(t, p.IsPinned("d1"))
	require.False(t, p.IsPinned("d2"))

	require.NoError(t, p.Unpin(ctx, "d1"))
	require.True(t, p.IsPinned("d1"))

	require.NoError(t, p.Unpin(ctx, "d1"))
	require.False(t, p.IsPinned("d1"))
}

type MockCache struct {
	mock.Mock
	repository.Cache
}

func (m *MockCache) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func TestPins_LookupErrorCountsAsPinned(t *testing.T) {
	c := new(MockCache)
	c.On("Exists", mock.Anything, repository.CacheKeys.PinnedDigest("d1")).
		Return(false, errors.New("connection refused"))

	p := NewPins(c, zerolog.Nop())
	require.True(t, p.IsPinned("d1"))
	c.AssertExpectations(t)
}
