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

package repo

import "time"

// Snapshot is the named-field progress report of §4.10.
type Snapshot struct {
	Time time.Time

	OutstandingFetches int
	OutstandingWrites  int
	Scanning           bool

	FetchedMetadata  int
	RequestedMetadata int
	FetchedContent   int
	RequestedContent int
	BytesTransferred int64
	ScannedMetadata  int

	DeltaPartsFetched int
	DeltaPartsTotal   int
	DeltaBytesFetched int64
	DeltaBytesTotal   int64
	DeltaBytesRaw     int64

	ImportedFromLocalcache int

	Status      string
	CaughtError bool
}
