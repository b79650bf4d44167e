package lock

import (
	"context"
	"sync"
	"time"
)

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker hands out non-blocking named locks. Acquired reports false when
// another holder already owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock Unlock, acquired bool, err error)
}

// Local is an in-process Locker. The ttl is ignored because holders
// always release through the returned Unlock.
type Local struct {
	locks sync.Map
}

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{}
}

// TryLock acquires key if nobody in this process holds it.
func (l *Local) TryLock(_ context.Context, key string, _ time.Duration) (Unlock, bool, error) {
	v, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false, nil
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(mu.Unlock)
		return nil
	}, true, nil
}
