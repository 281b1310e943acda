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

// Package scheduler implements the C7 fetch scheduler: a single-threaded
// cooperative dispatcher over bounded work classes (§4.7). Concurrency
// bounds are enforced by golang.org/x/sync/semaphore, fan-out of the actual
// I/O happens in ordinary goroutines, and in-flight counters, semaphore
// releases and retry decisions are handled on the one loop goroutine that
// drains the completions channel, while Enqueue may add to the pending
// queues (or latch a cancellation) from any goroutine under the scheduler's
// mutex - mirroring the teacher's FSM, which also
// confines all transitions to a single driver goroutine even though the
// checks and transitions it runs may themselves do blocking work.
package scheduler

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
	"golang.org/x/sync/semaphore"

	"github.com/arbortree/pull/models/repo"
)

// Class is one of the work classes of §4.7's bound table.
type Class int

const (
	ClassMetadata Class = iota
	ClassDeltaIndex
	ClassDeltaSuperblock
	ClassDeltaPart
	ClassContent
	ClassWrite
)

func (c Class) String() string {
	switch c {
	case ClassMetadata:
		return "metadata"
	case ClassDeltaIndex:
		return "delta-index"
	case ClassDeltaSuperblock:
		return "delta-superblock"
	case ClassDeltaPart:
		return "delta-part"
	case ClassContent:
		return "content"
	case ClassWrite:
		return "write"
	default:
		return "invalid"
	}
}

// dispatchOrder is the exact order §4.7 requires the scheduler to walk after
// every completion: metadata, delta-index, delta-superblock, delta-part,
// content. Local writes are their own pool and are drained in the same pass
// since nothing else contends with them for the shared-8 budget.
var dispatchOrder = []Class{ClassMetadata, ClassDeltaIndex, ClassDeltaSuperblock, ClassDeltaPart, ClassContent, ClassWrite}

const (
	maxSharedFetch = 8 // metadata + delta-index + delta-superblock + content share this pool
	maxDeltaPart   = 2 // hard cap, independent of the shared pool
	maxWrite       = 16
)

// Task is one unit of scheduled work. Run performs the actual I/O (a fetch,
// a local write, a delta-apply) and must itself honor ctx cancellation.
type Task struct {
	Class            Class
	Checksum         repo.Checksum // zero if the task has no single identifying object
	RetriesRemaining int
	Run              func(ctx context.Context) error
}

type completion struct {
	class Class
	task  Task
	err   error
}

// Scheduler is the C7 dispatcher. Zero value is not usable; build with New.
type Scheduler struct {
	mu       sync.Mutex
	pending  map[Class]*deque.Deque
	inFlight map[Class]int
	caught   error

	sharedSem    *semaphore.Weighted // metadata + delta-index + delta-superblock + content
	deltaPartSem *semaphore.Weighted
	writeSem     *semaphore.Weighted

	completions chan completion
	inFlightWG  sync.WaitGroup
}

// New builds an empty Scheduler.
func New() *Scheduler {
	s := &Scheduler{
		pending:      make(map[Class]*deque.Deque, len(dispatchOrder)),
		inFlight:     make(map[Class]int, len(dispatchOrder)),
		sharedSem:    semaphore.NewWeighted(maxSharedFetch),
		deltaPartSem: semaphore.NewWeighted(maxDeltaPart),
		writeSem:     semaphore.NewWeighted(maxWrite),
		completions:  make(chan completion, maxSharedFetch+maxWrite),
	}
	for _, c := range dispatchOrder {
		s.pending[c] = deque.New()
	}
	return s
}

// semaphoreFor returns the weighted semaphore that gates class.
func (s *Scheduler) semaphoreFor(class Class) *semaphore.Weighted {
	switch class {
	case ClassDeltaPart:
		return s.deltaPartSem
	case ClassWrite:
		return s.writeSem
	default:
		return s.sharedSem
	}
}

// Enqueue adds task to the back of its class's pending queue. It is safe to
// call from any goroutine, including from within a Task's Run callback.
func (s *Scheduler) Enqueue(ctx context.Context, task Task) {
	if ctx.Err() != nil {
		s.latch(repo.Wrap(repo.KindCancelled, "scheduler", repo.ErrCancelled))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caught != nil {
		return
	}
	s.pending[task.Class].PushBack(task)
}

// Pending reports how many tasks of the given class are queued but not yet
// dispatched.
func (s *Scheduler) Pending(class Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[class].Len()
}

// InFlight reports how many tasks of the given class are currently running.
func (s *Scheduler) InFlight(class Class) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[class]
}

// Err returns the latched error, if any (§7's caught_error).
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caught
}

func (s *Scheduler) latch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caught == nil {
		s.caught = err
	}
}

func (s *Scheduler) draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caught != nil
}

func (s *Scheduler) totalPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, q := range s.pending {
		total += q.Len()
	}
	return total
}

func (s *Scheduler) totalInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.inFlight {
		total += n
	}
	return total
}

// dispatch walks dispatchOrder and starts as many pending tasks as the
// current bounds allow. It does nothing while draining: §4.7 says a latched
// error stops new dispatch and only lets in-flight work finish.
func (s *Scheduler) dispatch(ctx context.Context) {
	if s.draining() || ctx.Err() != nil {
		return
	}
	for _, class := range dispatchOrder {
		sem := s.semaphoreFor(class)
		for sem.TryAcquire(1) {
			task, ok := s.pop(class)
			if !ok {
				sem.Release(1)
				break
			}
			s.start(ctx, class, task)
		}
	}
}

func (s *Scheduler) pop(class Class) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pending[class]
	if q.Len() == 0 {
		return Task{}, false
	}
	return q.PopFront().(Task), true
}

func (s *Scheduler) start(ctx context.Context, class Class, task Task) {
	s.mu.Lock()
	s.inFlight[class]++
	s.mu.Unlock()

	s.inFlightWG.Add(1)
	go func() {
		defer s.inFlightWG.Done()
		err := task.Run(ctx)
		s.completions <- completion{class: class, task: task, err: err}
	}()
}

// Run drives the dispatcher until every class is empty and idle(), if
// given, reports no further work (the interleaved scan queue of §4.6), or
// until ctx is cancelled, or until a non-retryable error latches and every
// in-flight task has drained. It returns the latched error, if any.
func (s *Scheduler) Run(ctx context.Context, idle func() bool) error {
	for {
		if ctx.Err() != nil {
			s.latch(repo.Wrap(repo.KindCancelled, "scheduler", repo.ErrCancelled))
		}

		s.dispatch(ctx)

		if s.totalInFlight() == 0 {
			if s.draining() {
				break
			}
			if s.totalPending() == 0 {
				if idle == nil || !idle() {
					break
				}
				continue
			}
		}

		select {
		case c := <-s.completions:
			s.handleCompletion(c)
		case <-ctx.Done():
			s.latch(repo.Wrap(repo.KindCancelled, "scheduler", repo.ErrCancelled))
		}
	}

	s.inFlightWG.Wait()
	return s.Err()
}

func (s *Scheduler) handleCompletion(c completion) {
	s.mu.Lock()
	s.inFlight[c.class]--
	s.mu.Unlock()
	s.semaphoreFor(c.class).Release(1)

	if c.err == nil {
		return
	}

	retryable := false
	var rerr *repo.Error
	if e, ok := c.err.(*repo.Error); ok {
		rerr = e
		retryable = rerr.Retryable()
	}

	if retryable && c.task.RetriesRemaining > 0 {
		c.task.RetriesRemaining--
		s.mu.Lock()
		s.pending[c.class].PushBack(c.task)
		s.mu.Unlock()
		return
	}

	s.latch(c.err)
}
