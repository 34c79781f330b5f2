package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/meow-realtime/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, policies map[string]Policy) (*Limiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	return New(client, policies, WithClock(clock.Now)), mr, clock
}

func TestLimiter_ExactlyLimitAdmitted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// Given login limited to 3 per minute
	l, mr, _ := newTestLimiter(t, nil)

	// When X tries four times in the same window
	results := make([]bool, 0, 4)
	for i := 0; i < 4; i++ {
		ok, err := l.Admit(ctx, "X", ActionLogin)
		req.NoError(err)
		results = append(results, ok)
	}

	// Then the first three pass and the fourth is denied
	req.Equal([]bool{true, true, true, false}, results)

	// And the stored count never exceeds the limit
	keys := mr.Keys()
	req.Len(keys, 1)
	v, err := mr.Get(keys[0])
	req.NoError(err)
	req.Equal("3", v)
	req.True(mr.TTL(keys[0]) > 0)
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	l, _, clock := newTestLimiter(t, nil)

	for i := 0; i < 3; i++ {
		ok, err := l.Admit(ctx, "X", ActionLogin)
		req.NoError(err)
		req.True(ok)
	}
	ok, err := l.Admit(ctx, "X", ActionLogin)
	req.NoError(err)
	req.False(ok)

	// When the window elapses
	clock.Advance(time.Minute)

	// Then admission starts over
	ok, err = l.Admit(ctx, "X", ActionLogin)
	req.NoError(err)
	req.True(ok)
}

func TestLimiter_IdentitiesAndClassesAreIndependent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	l, _, _ := newTestLimiter(t, map[string]Policy{
		"custom": {Limit: 1, Window: time.Minute},
	})

	ok, err := l.Admit(ctx, "X", "custom")
	req.NoError(err)
	req.True(ok)

	ok, err = l.Admit(ctx, "X", "custom")
	req.NoError(err)
	req.False(ok)

	ok, err = l.Admit(ctx, "Y", "custom")
	req.NoError(err)
	req.True(ok)

	ok, err = l.Admit(ctx, "X", ActionLike)
	req.NoError(err)
	req.True(ok)
}

func TestLimiter_UnknownClassAdmitted(t *testing.T) {
	req := require.New(t)

	l, _, _ := newTestLimiter(t, nil)

	ok, err := l.Admit(context.Background(), "X", "profile.view")
	req.NoError(err)
	req.True(ok)
}

func TestLimiter_StoreFailurePolicy(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// Given the shared store is down
	l, mr, _ := newTestLimiter(t, nil)
	mr.Close()

	// Then security-sensitive actions fail closed
	ok, err := l.Admit(ctx, "X", ActionLogin)
	req.False(ok)
	req.True(errors.Is(err, domain.ErrStoreUnavailable))

	// And low-risk actions fail open
	ok, err = l.Admit(ctx, "X", ActionLike)
	req.NoError(err)
	req.True(ok)
}

func TestLimiter_Reset(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	l, _, _ := newTestLimiter(t, nil)

	for i := 0; i < 3; i++ {
		_, err := l.Admit(ctx, "X", ActionLogin)
		req.NoError(err)
	}
	ok, err := l.Admit(ctx, "X", ActionLogin)
	req.NoError(err)
	req.False(ok)

	req.NoError(l.Reset(ctx, "X", ActionLogin))

	ok, err = l.Admit(ctx, "X", ActionLogin)
	req.NoError(err)
	req.True(ok)

	req.Error(l.Reset(ctx, "X", "nope"))
}

func TestCheck_Denied(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	l, _, _ := newTestLimiter(t, map[string]Policy{
		ActionChatSend: {Limit: 1, Window: time.Minute, FailOpen: true},
	})

	req.NoError(l.Check(ctx, "A", ActionChatSend))
	err := l.Check(ctx, "A", ActionChatSend)
	req.True(errors.Is(err, domain.ErrAdmissionDenied))
}

func TestLimiter_InvalidPolicy(t *testing.T) {
	req := require.New(t)

	l, _, _ := newTestLimiter(t, nil)

	_, err := l.AdmitWith(context.Background(), "X", "bad", Policy{Limit: 0, Window: time.Minute})
	req.Error(err)

	// A window below the bucket resolution is rejected instead of dividing by zero
	_, err = l.AdmitWith(context.Background(), "X", "bad", Policy{Limit: 1, Window: time.Microsecond})
	req.Error(err)
}

func TestLimiter_ConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	// Given login limited to 3 per minute
	l, mr, _ := newTestLimiter(t, nil)

	// When 50 checks for X race in the same window
	const n = 50
	results := make(chan bool, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Admit(ctx, "X", ActionLogin)
			results <- ok
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	// Then exactly three are admitted
	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	for err := range errs {
		req.NoError(err)
	}
	req.Equal(3, admitted)

	// And the stored count stays at the limit
	keys := mr.Keys()
	req.Len(keys, 1)
	v, err := mr.Get(keys[0])
	req.NoError(err)
	count, err := strconv.Atoi(v)
	req.NoError(err)
	req.LessOrEqual(count, 3)
}
