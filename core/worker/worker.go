// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a set of managed background goroutines.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of goroutines that are halted together.  The zero value
// is ready to use.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan interface{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Go runs fn in a new goroutine tracked by the Worker.  fn must return
// once HaltCh is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every goroutine to terminate and waits for them.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	select {
	case <-w.haltCh:
	default:
		close(w.haltCh)
		w.cancel()
	}
	w.Wait()
}

// HaltCh returns a channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// Context returns a context that is cancelled when Halt is called, for
// handing to blocking calls made from the Worker's goroutines.
func (w *Worker) Context() context.Context {
	w.initOnce.Do(w.init)
	return w.ctx
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
	w.ctx, w.cancel = context.WithCancel(context.Background())
}
