//go:build linux

/*
 *
 * Copyright 2025 the librpc authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex ops: waiters and wakers live in different
// processes, so FUTEX_PRIVATE_FLAG must not be set.
const (
	futexOpWait = 0 // FUTEX_WAIT
	futexOpWake = 1 // FUTEX_WAKE
)

// futexWaitTimeout blocks until the word at addr no longer holds val,
// another process wakes the address, or the timeout elapses. Spurious
// returns are allowed; callers always re-check their condition.
func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) {
	// Re-check before entering the kernel: a waker that bumped the word
	// between our snapshot and this point must not be missed.
	if atomic.LoadUint32(addr) != val {
		return
	}
	var tsp *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}
	// EAGAIN (value changed), EINTR (signal), and ETIMEDOUT all fold into
	// the same outcome for callers: wake up and re-check.
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(tsp)),
		0,
		0,
	)
}

// futexWake wakes up to n waiters on addr across process boundaries.
func futexWake(addr *uint32, n int) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0,
		0,
		0,
	)
}
