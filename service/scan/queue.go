// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package scan implements the C6 scan queue: cooperative traversal of
// commit/dirtree/dirmeta metadata already local, emitting further object
// requests (§4.6).
package scan

import (
	"sync"

	"github.com/gammazero/deque"
)

// Queue is the scan_object_queue of §3: a concurrency-safe FIFO of pending
// scan Items, adapted from the teacher's SafeDeque for this module's Item
// type instead of interface{} payloads of arbitrary shape.
type Queue struct {
	mu sync.Mutex
	dq *deque.Deque
}

// NewQueue returns an empty scan queue.
func NewQueue() *Queue {
	return &Queue{dq: deque.New()}
}

// Push enqueues an item at the back of the queue.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dq.PushBack(item)
}

// Pop removes and returns the item at the front of the queue. The second
// return value is false when the queue is empty.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Len() == 0 {
		return Item{}, false
	}
	return q.dq.PopFront().(Item), true
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}
