package sync2

// Limiter bounds concurrent admission without blocking the caller: TryAcquire
// reports whether the slot was available instead of waiting for one, which
// is what an admission cap inside a non-blocking scheduling round needs (the
// replica manager's writeRpcsInFlight cap never wants to suspend proceed()).
type Limiter struct {
	slots chan struct{}
}

// NewLimiter returns a Limiter admitting at most n concurrent holders.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// TryAcquire reserves one slot if available and reports success.
func (limiter *Limiter) TryAcquire() bool {
	select {
	case limiter.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees one previously acquired slot.
func (limiter *Limiter) Release() {
	select {
	case <-limiter.slots:
	default:
		// Release without a matching TryAcquire is a caller bug; ignore
		// rather than panic so a retried failure path stays safe.
	}
}

// InUse returns the number of currently held slots.
func (limiter *Limiter) InUse() int {
	return len(limiter.slots)
}

// Cap returns the configured slot count.
func (limiter *Limiter) Cap() int {
	return cap(limiter.slots)
}
