// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pacemaker

import (
	"sync"
	"time"
)

// roundTimer is the single-slot, cancellable round timer described in
// spec.md §5 ("Timers are cancellable tasks with a single-slot
// cancellation handle; re-arming the timer cancels the previous
// registration first"), grounded on the registration/cancellation
// shape of the teacher's networking/timeout.Manager.RegisterTimeout.
type roundTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64 // incremented on every Reset/Stop, stamped onto in-flight fires so stale ones are ignored
}

// Reset cancels any pending fire and schedules onFire to run after d.
func (rt *roundTimer) Reset(d time.Duration, onFire func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.gen++
	myGen := rt.gen
	rt.timer = time.AfterFunc(d, func() {
		rt.mu.Lock()
		stale := myGen != rt.gen
		rt.mu.Unlock()
		if !stale {
			onFire()
		}
	})
}

// Stop cancels any pending fire without scheduling a new one.
func (rt *roundTimer) Stop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.gen++
}
