// Package testctx provides a canceled-on-cleanup context for tests, trimmed
// from the teacher's internal/testcontext to the pieces this repo's tests
// need: a context, a background-goroutine tracker, and a deadline.
package testctx

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// Context is a context.Context bundled with an errgroup for background
// goroutines spawned during a test.
type Context struct {
	context.Context

	t      testing.TB
	cancel context.CancelFunc
	group  errgroup.Group
}

// New returns a Context that is canceled by Cleanup or after five minutes,
// whichever comes first.
func New(t testing.TB) *Context {
	return NewWithTimeout(t, 5*time.Minute)
}

// NewWithTimeout returns a Context that is canceled by Cleanup or after
// timeout, whichever comes first.
func NewWithTimeout(t testing.TB, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &Context{Context: ctx, t: t, cancel: cancel}
}

// Go runs fn in a goroutine tracked by Cleanup/Wait.
func (ctx *Context) Go(fn func() error) {
	ctx.group.Go(fn)
}

// Wait blocks until every goroutine started with Go has returned.
func (ctx *Context) Wait() error {
	return ctx.group.Wait()
}

// Cleanup cancels the context and waits for background goroutines, failing
// the test if any returned an error.
func (ctx *Context) Cleanup() {
	ctx.cancel()
	if err := ctx.group.Wait(); err != nil {
		ctx.t.Fatal(err)
	}
}
