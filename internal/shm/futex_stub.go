//go:build !linux

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
)

// Non-Linux platforms have no shared futex; the receive loop degrades to
// short polling sleeps. The adaptive timeout keeps the idle cost bounded.

func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) {
	if atomic.LoadUint32(addr) != val {
		return
	}
	if timeout <= 0 || timeout > 5*time.Millisecond {
		timeout = 5 * time.Millisecond
	}
	time.Sleep(timeout)
}

func futexWake(addr *uint32, n int) {}
