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

// Package transport implements the C1 fetcher façade and C2 mirror
// resolution (§4.1, §4.2): HTTP(S) and file:// retrieval with conditional
// requests, size caps, and transient/fatal error classification.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/arbortree/pull/models/repo"
)

// Fetcher is an HTTP(S)/file façade over a mirror list, implementing
// repo.Fetcher. Requests are tried against mirrors in order; a transient
// failure on one mirror moves on to the next before the whole fetch is
// reported as failed.
type Fetcher struct {
	log     zerolog.Logger
	client  *http.Client
	fs      afero.Fs
	headers []repo.HTTPHeader
}

// New builds a Fetcher. fs is used to resolve file:// mirror entries; pass
// afero.NewOsFs() in production and an in-memory filesystem in tests.
func New(log zerolog.Logger, fs afero.Fs, headers []repo.HTTPHeader) *Fetcher {
	return &Fetcher{
		log: log.With().Str("component", "transport").Logger(),
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		fs:      fs,
		headers: headers,
	}
}

// FetchToMemory implements repo.Fetcher.
func (f *Fetcher) FetchToMemory(ctx context.Context, mirrors []string, reqPath string, flags repo.FetchFlags, etagIn string, mtimeIn int64, maxSize int64) ([]byte, repo.FetchResult, error) {
	var data []byte
	result, err := f.fetch(ctx, mirrors, reqPath, flags, etagIn, mtimeIn, maxSize, func(body io.Reader, size int64) error {
		limited := io.LimitReader(body, maxSizeOrInf(maxSize)+1)
		read, err := io.ReadAll(limited)
		if err != nil {
			return repo.Wrap(repo.KindTransient, "reading response body", err)
		}
		if maxSize > 0 && int64(len(read)) > maxSize {
			return repo.Wrap(repo.KindFatal, reqPath, fmt.Errorf("response exceeds max size of %d bytes", maxSize))
		}
		data = read
		return nil
	})
	if err == nil && flags&repo.NulTermination != 0 && !result.NotModified && !result.Absent {
		data = append(data, 0)
	}
	return data, result, err
}

// FetchToFile implements repo.Fetcher.
func (f *Fetcher) FetchToFile(ctx context.Context, mirrors []string, reqPath string, flags repo.FetchFlags, etagIn string, mtimeIn int64, maxSize int64, dst io.Writer) (repo.FetchResult, error) {
	return f.fetch(ctx, mirrors, reqPath, flags, etagIn, mtimeIn, maxSize, func(body io.Reader, size int64) error {
		limited := io.LimitReader(body, maxSizeOrInf(maxSize)+1)
		n, err := io.Copy(dst, limited)
		if err != nil {
			return repo.Wrap(repo.KindTransient, "writing response body", err)
		}
		if maxSize > 0 && n > maxSize {
			return repo.Wrap(repo.KindFatal, reqPath, fmt.Errorf("response exceeds max size of %d bytes", maxSize))
		}
		return nil
	})
}

func maxSizeOrInf(maxSize int64) int64 {
	if maxSize <= 0 {
		return 1 << 40
	}
	return maxSize
}

// fetch tries each mirror in turn, classifying errors as transient (try next
// mirror, or surface as transient if this was the last one) or fatal (stop
// immediately). consume is called with the response body once a mirror
// answers with data to deliver.
func (f *Fetcher) fetch(ctx context.Context, mirrors []string, reqPath string, flags repo.FetchFlags, etagIn string, mtimeIn int64, maxSize int64, consume func(io.Reader, int64) error) (repo.FetchResult, error) {
	if len(mirrors) == 0 {
		return repo.FetchResult{}, repo.Wrap(repo.KindMisconfiguration, reqPath, fmt.Errorf("no mirrors configured"))
	}

	var lastErr error
	for i, mirror := range mirrors {
		result, err := f.fetchOne(ctx, mirror, reqPath, flags, etagIn, mtimeIn, consume)
		if err == nil {
			return result, nil
		}
		if flags&repo.OptionalContent != 0 && repo.IsNotFound(err) {
			return repo.FetchResult{Absent: true}, nil
		}
		lastErr = err
		var rerr *repo.Error
		if ok := asRepoError(err, &rerr); ok && !rerr.Retryable() {
			return repo.FetchResult{}, err
		}
		f.log.Debug().Err(err).Str("mirror", mirror).Int("attempt", i+1).Msg("mirror fetch failed, trying next")
	}
	return repo.FetchResult{}, lastErr
}

func asRepoError(err error, target **repo.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if rerr, ok := err.(*repo.Error); ok {
			*target = rerr
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (f *Fetcher) fetchOne(ctx context.Context, mirror, reqPath string, flags repo.FetchFlags, etagIn string, mtimeIn int64, consume func(io.Reader, int64) error) (repo.FetchResult, error) {
	u, err := url.Parse(mirror)
	if err != nil {
		return repo.FetchResult{}, repo.Wrap(repo.KindMisconfiguration, mirror, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, mirror, reqPath, flags, etagIn, mtimeIn, consume)
	case "file", "":
		return f.fetchFile(u, reqPath, consume)
	default:
		return repo.FetchResult{}, repo.Wrap(repo.KindMisconfiguration, mirror, fmt.Errorf("unsupported mirror scheme %q", u.Scheme))
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, mirror, reqPath string, flags repo.FetchFlags, etagIn string, mtimeIn int64, consume func(io.Reader, int64) error) (repo.FetchResult, error) {
	full := strings.TrimRight(mirror, "/") + "/" + strings.TrimLeft(reqPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return repo.FetchResult{}, repo.Wrap(repo.KindFatal, full, err)
	}
	for _, h := range f.headers {
		req.Header.Set(h.Key, h.Value)
	}
	if etagIn != "" {
		req.Header.Set("If-None-Match", etagIn)
	}
	if mtimeIn != 0 {
		req.Header.Set("If-Modified-Since", time.Unix(mtimeIn, 0).UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return repo.FetchResult{}, repo.Wrap(repo.KindTransient, full, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return repo.FetchResult{NotModified: true, ETag: etagIn, LastModified: mtimeIn}, nil
	case http.StatusNotFound:
		return repo.FetchResult{}, repo.Wrap(repo.KindNotFound, full, repo.ErrNotFound)
	case http.StatusOK, http.StatusPartialContent:
		// fall through
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return repo.FetchResult{}, repo.Wrap(repo.KindTransient, full, fmt.Errorf("server returned %d", resp.StatusCode))
	default:
		if resp.StatusCode >= 500 {
			return repo.FetchResult{}, repo.Wrap(repo.KindTransient, full, fmt.Errorf("server returned %d", resp.StatusCode))
		}
		return repo.FetchResult{}, repo.Wrap(repo.KindFatal, full, fmt.Errorf("server returned %d", resp.StatusCode))
	}

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err := consume(resp.Body, size); err != nil {
		return repo.FetchResult{}, err
	}

	result := repo.FetchResult{ETag: resp.Header.Get("ETag")}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			result.LastModified = t.Unix()
		}
	}
	return result, nil
}

func (f *Fetcher) fetchFile(u *url.URL, reqPath string, consume func(io.Reader, int64) error) (repo.FetchResult, error) {
	base := u.Path
	if base == "" {
		base = u.Opaque
	}
	full := path.Join(base, reqPath)

	info, err := f.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return repo.FetchResult{}, repo.Wrap(repo.KindNotFound, full, repo.ErrNotFound)
		}
		return repo.FetchResult{}, repo.Wrap(repo.KindFatal, full, err)
	}

	file, err := f.fs.Open(full)
	if err != nil {
		return repo.FetchResult{}, repo.Wrap(repo.KindFatal, full, err)
	}
	defer file.Close()

	if err := consume(file, info.Size()); err != nil {
		return repo.FetchResult{}, err
	}

	return repo.FetchResult{LastModified: info.ModTime().Unix()}, nil
}
