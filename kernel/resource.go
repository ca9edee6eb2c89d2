// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package kernel

// Resource wraps a Mutex with a reference count, modeling a shared
// peripheral that must be powered up and configured on first use and torn
// down on last release (the SD card and the I2C bus both follow this
// pattern — see original_source/rp2350_cooperative_fatfs.c's card_request/
// card_release and rp2350_cooperative_i2c.c's i2c_request/i2c_release).
//
// Request returns with the mutex held on success; Release always unlocks,
// even when the teardown callback runs. Lock and Unlock let a holder of
// an open Request/Release pair interleave other tasks' access to the
// resource across a long-running operation.
type Resource struct {
	mu            *Mutex
	users         int
	onFirstUse    func() error
	onLastRelease func()
}

// NewResource creates a Resource. onFirstUse runs when the user count
// transitions 0→1 (return a non-nil error to abort the transition and
// leave the count at 0); onLastRelease runs when it transitions to 0.
// Either callback may be nil.
func NewResource(sched *Scheduler, onFirstUse func() error, onLastRelease func()) *Resource {
	return &Resource{
		mu:            NewMutex(sched),
		onFirstUse:    onFirstUse,
		onLastRelease: onLastRelease,
	}
}

// Request acquires the resource, powering it on if this is the first
// concurrent user. On success the caller holds the mutex and must
// eventually call Release exactly once. On failure of onFirstUse, the
// mutex is released and the user count is left unchanged.
func (r *Resource) Request() error {
	r.mu.Lock()

	if r.users == 0 && r.onFirstUse != nil {
		if err := r.onFirstUse(); err != nil {
			r.mu.Unlock()
			return err
		}
	}

	r.users++
	return nil
}

// Release decrements the user count, tearing the resource down if it
// reaches zero, and always unlocks the mutex.
func (r *Resource) Release() {
	r.users--

	if r.users == 0 && r.onLastRelease != nil {
		r.onLastRelease()
	}

	r.mu.Unlock()
}

// Lock and Unlock let a task that already holds a Request/Release pair
// yield the bus to other tasks across a long operation (e.g. a sensor's
// settle delay) without giving up its place in the user count.
func (r *Resource) Lock()   { r.mu.Lock() }
func (r *Resource) Unlock() { r.mu.Unlock() }

// Users reports the current reference count, for diagnostics.
func (r *Resource) Users() int {
	return r.users
}
