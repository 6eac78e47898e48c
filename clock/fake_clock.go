// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose value is advanced explicitly by tests. After
// channels fire the next time AdvanceTime passes their deadline.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	waiters  []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	c        chan time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}

	c.waiters = append(c.waiters, fakeWaiter{deadline, ch})
	return ch
}

// AdvanceTime moves the clock forward by d, firing any After channels whose
// deadline has now passed.
func (c *FakeClock) AdvanceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.c <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
