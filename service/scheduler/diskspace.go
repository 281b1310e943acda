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

package scheduler

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/arbortree/pull/models/repo"
)

// DiskSpaceChecker is the preflight §4.7 requires before dispatching a
// delta-part fetch: "refuse to start a part large enough that, added to
// what is already committed to in-flight parts, would exceed the free space
// on the store's filesystem." path is the store's root directory. Reserve
// and Release are called from whichever goroutine is running a given
// delta's superblock/apply step, so the reserved counter needs its own lock
// rather than relying on the scheduler's single-driver-goroutine guarantee.
type DiskSpaceChecker struct {
	mu       sync.Mutex
	path     string
	reserved uint64 // bytes already committed to in-flight parts
}

// NewDiskSpaceChecker builds a checker rooted at path.
func NewDiskSpaceChecker(path string) *DiskSpaceChecker {
	return &DiskSpaceChecker{path: path}
}

// Reserve checks that size additional bytes still fit in the free space
// reported by the filesystem, counting bytes already reserved by other
// in-flight parts, and if so commits them. Call Release once the part has
// been applied or abandoned.
func (d *DiskSpaceChecker) Reserve(size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var st unix.Statfs_t
	if err := unix.Statfs(d.path, &st); err != nil {
		return repo.Wrap(repo.KindResource, "statfs "+d.path, err)
	}
	free := st.Bavail * uint64(st.Bsize)
	if d.reserved+size > free {
		return repo.Wrap(repo.KindResource, d.path, fmt.Errorf("insufficient disk space: need %d bytes, %d free", size, free-d.reserved))
	}
	d.reserved += size
	return nil
}

// Release gives back bytes previously committed by Reserve.
func (d *DiskSpaceChecker) Release(size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if size > d.reserved {
		d.reserved = 0
		return
	}
	d.reserved -= size
}
