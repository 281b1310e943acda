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

package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/arbortree/pull/models/repo"
)

// CLI renders a Snapshot as a single-line terminal progress bar tracking
// bytes transferred, falling back to plain status lines when the output is
// not a terminal (piped logs, CI).
type CLI struct {
	out    io.Writer
	tty    bool
	bar    *progressbar.ProgressBar
	errFmt func(format string, a ...interface{}) string
}

// NewCLI builds a CLI observer writing to out. total is the best current
// estimate of bytes to transfer (the content-object bytes known from the
// summary); it may be zero, in which case the bar renders as a spinner.
func NewCLI(out *os.File, total int64) *CLI {
	tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription("pulling"),
		progressbar.OptionClearOnFinish(),
	)

	return &CLI{out: out, tty: tty, bar: bar, errFmt: color.New(color.FgRed, color.Bold).SprintfFunc()}
}

// Observe implements repo.ProgressObserver.
func (c *CLI) Observe(snapshot repo.Snapshot) {
	if !c.tty {
		c.observePlain(snapshot)
		return
	}

	_ = c.bar.Set64(snapshot.BytesTransferred)
	if snapshot.CaughtError {
		fmt.Fprintln(c.out, c.errFmt("pull failed: %s", snapshot.Status))
		return
	}
	if !snapshot.Scanning && snapshot.OutstandingFetches == 0 && snapshot.OutstandingWrites == 0 {
		_ = c.bar.Finish()
		fmt.Fprintln(c.out, snapshot.Status)
	}
}

func (c *CLI) observePlain(snapshot repo.Snapshot) {
	status := snapshot.Status
	if snapshot.CaughtError {
		status = "ERROR: " + status
	}
	fmt.Fprintf(c.out, "%s transferred, %s\n", humanize.Bytes(uint64(snapshot.BytesTransferred)), status)
}

var _ repo.ProgressObserver = (*CLI)(nil)
