// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errand

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleOrdering(t *testing.T) {
	q := New(nil)

	var order []int
	q.Schedule(func() { order = append(order, 2) }, 20*time.Millisecond)
	q.Schedule(func() { order = append(order, 1) }, 10*time.Millisecond)
	q.Schedule(func() { order = append(order, 3) }, 30*time.Millisecond)

	q.RunUntilIdle()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestScheduleTieBreaksByInsertion(t *testing.T) {
	q := New(nil)

	var order []int
	for i := 0; i < 5; i++ {
		n := i
		q.Schedule(func() { order = append(order, n) }, 10*time.Millisecond)
	}

	q.RunUntilIdle()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduleRunsToCompletionBeforeLater(t *testing.T) {
	q := New(nil)

	var order []string
	q.Schedule(func() {
		order = append(order, "first-start")
		// work scheduled from a callback at zero delay runs before the
		// later errand
		q.Schedule(func() { order = append(order, "nested") }, 0)
		order = append(order, "first-end")
	}, 1*time.Millisecond)
	q.Schedule(func() { order = append(order, "second") }, 50*time.Millisecond)

	q.RunUntilIdle()
	assert.Equal(t, []string{"first-start", "first-end", "nested", "second"}, order)
}

func TestPollSucceedsOnFirstTrue(t *testing.T) {
	q := New(nil)

	calls := 0
	var outcome *bool
	q.Poll(10, 5*time.Millisecond,
		func() bool {
			calls++
			return calls == 3
		},
		func(ok bool) { outcome = &ok })

	q.RunUntilIdle()
	assert.Equal(t, 3, calls)
	assert.NotNil(t, outcome)
	assert.True(t, *outcome)
}

func TestPollExhaustsRetries(t *testing.T) {
	q := New(nil)

	calls := 0
	var outcome *bool
	q.Poll(10, 5*time.Millisecond,
		func() bool {
			calls++
			return false
		},
		func(ok bool) { outcome = &ok })

	q.RunUntilIdle()
	assert.Equal(t, 10, calls)
	assert.NotNil(t, outcome)
	assert.False(t, *outcome)
}

func TestPostFromOtherGoroutine(t *testing.T) {
	q := New(nil)

	done := make(chan struct{})
	go func() {
		q.Post(func() {})
		close(done)
	}()
	<-done

	ran := false
	q.Post(func() { ran = true })
	q.RunUntilIdle()
	assert.True(t, ran)
}
