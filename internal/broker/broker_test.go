package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(redis.Nil))
	assert.False(t, IsTransient(errors.New("NOAUTH Authentication required")))
	assert.False(t, IsTransient(errors.New("WRONGPASS invalid username-password pair")))
	assert.False(t, IsTransient(&FatalError{Err: errors.New("bad config")}))
	assert.False(t, IsTransient(errors.New("ERR unknown command")))

	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(net.Error(timeoutErr{})))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("write: broken pipe")))
}

func TestFatalError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &FatalError{Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")
}

func TestConnect_InvalidURLIsFatal(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "not-a-url"})
	require.Error(t, err)
	var fe *FatalError
	assert.True(t, errors.As(err, &fe))
}

func TestExecute_ShortCircuitsWhenDown(t *testing.T) {
	c := &Conn{maxRetries: 3}
	// available defaults to false
	called := false
	err := c.Execute(context.Background(), "get", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called)
}

func TestExecute_PermanentErrorNotRetried(t *testing.T) {
	c := &Conn{maxRetries: 3}
	c.available.Store(true)

	attempts := 0
	appErr := errors.New("ERR wrong number of arguments")
	err := c.Execute(context.Background(), "zadd", func(context.Context) error {
		attempts++
		return appErr
	})
	assert.ErrorIs(t, err, appErr)
	assert.Equal(t, 1, attempts)
	assert.True(t, c.Available(), "application errors must not flip the link down")
}

func TestExecute_TransientRetriedThenSucceeds(t *testing.T) {
	c := &Conn{maxRetries: 3}
	c.available.Store(true)

	attempts := 0
	err := c.Execute(context.Background(), "publish", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return io.EOF
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, c.Available())
}

func TestExecute_TransientExhaustionFlipsAvailability(t *testing.T) {
	c := &Conn{maxRetries: 2}
	c.available.Store(true)

	attempts := 0
	err := c.Execute(context.Background(), "set", func(context.Context) error {
		attempts++
		return errors.New("dial tcp: connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial try + 2 retries
	assert.False(t, c.Available())
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(redis.Nil))
	assert.False(t, IsFatal(errors.New("ERR unknown command")))
	assert.False(t, IsFatal(io.EOF))

	assert.True(t, IsFatal(&FatalError{Err: errors.New("bad config")}))
	assert.True(t, IsFatal(errors.New("NOAUTH Authentication required")))
	assert.True(t, IsFatal(errors.New("WRONGPASS invalid username-password pair")))
}

func TestExecute_FatalErrorFiresOnFatalHooks(t *testing.T) {
	c := &Conn{maxRetries: 3}
	c.available.Store(true)

	var reported error
	c.OnFatal(func(err error) { reported = err })

	authErr := errors.New("NOAUTH Authentication required")
	err := c.Execute(context.Background(), "get", func(context.Context) error {
		return authErr
	})
	assert.ErrorIs(t, err, authErr)
	assert.ErrorIs(t, reported, authErr)
}

func TestExecute_TransientErrorDoesNotFireOnFatal(t *testing.T) {
	c := &Conn{maxRetries: 1}
	c.available.Store(true)

	fired := false
	c.OnFatal(func(error) { fired = true })

	c.Execute(context.Background(), "get", func(context.Context) error {
		return io.EOF
	})
	assert.False(t, fired)
}

func TestExecute_RespectsContextCancellation(t *testing.T) {
	c := &Conn{maxRetries: 10}
	c.available.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Execute(ctx, "get", func(context.Context) error {
		attempts++
		return io.EOF
	})
	require.Error(t, err)
	assert.Less(t, attempts, 11)
}
