package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseSingleFulfillment(t *testing.T) {
	p := NewPromise[int]()
	_, ok, _ := p.Result()
	require.False(t, ok)

	require.True(t, p.Resolve(1))
	v, ok, err := p.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.False(t, p.Resolve(2))
	require.False(t, p.Reject(errors.New("late")))
	require.False(t, p.Cancel())

	v, err = p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestPromiseReject(t *testing.T) {
	p := NewPromise[string]()
	errFailed := errors.New("failed")
	go p.Reject(errFailed)

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, errFailed)
	require.True(t, p.IsSettled())
}

func TestPromiseCancel(t *testing.T) {
	p := NewPromise[struct{}]()
	require.True(t, p.Cancel())
	_, ok, err := p.Result()
	require.True(t, ok)
	require.ErrorIs(t, err, ErrPromiseCanceled)
}

func TestPromiseWaitContext(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, p.IsSettled())
}
