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

import "errors"

// Sentinel errors shared across collaborators. Components wrap these with
// fmt.Errorf("...: %w", ...) so callers can still errors.Is against them.
var (
	// ErrNotFound means an optional asset does not exist on the remote
	// (§7 kind 3: Not-found). It is not itself fatal.
	ErrNotFound = errors.New("object not found")

	// ErrNotModified names the case where a conditional request
	// (ETag/If-Modified-Since) determined the cached copy is current. The
	// fetcher reports that case as FetchResult.NotModified with a nil error,
	// not by returning this sentinel.
	ErrNotModified = errors.New("not modified")

	// ErrCancelled propagates a fired cancellation token (§7 kind 6).
	ErrCancelled = errors.New("pull cancelled")
)

// ErrorKind classifies an error for the purposes of §7's taxonomy. It is attached
// to errors the engine itself raises (not to errors merely passed through
// from a collaborator) via *Error.
type ErrorKind uint8

const (
	KindTransient ErrorKind = iota + 1
	KindFatal
	KindNotFound
	KindVerification
	KindResource
	KindCancelled
	KindMisconfiguration
)

// String implements the Stringer interface.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not-found"
	case KindVerification:
		return "verification"
	case KindResource:
		return "resource"
	case KindCancelled:
		return "cancelled"
	case KindMisconfiguration:
		return "misconfiguration"
	default:
		return "invalid"
	}
}

// Error is a typed, component-prefixed error (§7: "user-visible failures are
// prefixed with the component/context").
type Error struct {
	Kind    ErrorKind
	Context string // e.g. "GPG", "Parsing commit <checksum>", "Fetching checksum for ref (...)"
	Err     error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Err.Error()
	}
	return e.Context + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the scheduler should decrement n_retries and
// re-enqueue rather than latch caught_error.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// Wrap builds a component-prefixed *Error of the given kind.
func Wrap(kind ErrorKind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// IsNotFound reports whether err is (or wraps) ErrNotFound or carries
// KindNotFound, covering both sentinel-based and *Error-based call sites.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind == KindNotFound
	}
	return false
}
