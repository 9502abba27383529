// Copyright 2024 The capcore Authors.
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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"capcore.dev/capcore/core/config"
	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/core"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/rpc"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	workload Workload
	metrics  bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot core and run a demand-paging workload."
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot core, open sessions through the root service and let their
threads touch demand-paged memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.workload.Sessions, "sessions", 2, "number of sessions.")
	f.IntVar(&b.workload.Threads, "threads", 2, "number of threads per session.")
	f.IntVar(&b.workload.Pages, "pages", 8, "number of pages each thread touches.")
	f.Uint64Var(&b.workload.RAM, "session-ram", 1<<20, "RAM quota of each session in bytes.")
	f.BoolVar(&b.metrics, "metrics", true, "print metrics in Prometheus text format after the run.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	r, err := Run(ctx, conf.Core(), b.workload)
	if err != nil {
		Fatalf("running workload: %v", err)
	}
	fmt.Fprintln(os.Stdout, r)
	if b.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// Workload describes the sessions Run opens.
type Workload struct {
	Sessions int
	Threads  int
	Pages    int

	// RAM is the RAM quota of each session.
	RAM uint64
}

// Report summarizes a run.
type Report struct {
	Platform string
	Sessions int
	Threads  int

	// Pages is the number of pages verified.
	Pages int

	// Faults is the number of page faults resolved.
	Faults  uint64
	Elapsed time.Duration
}

// String implements fmt.Stringer.String.
func (r Report) String() string {
	return fmt.Sprintf("%s: %d sessions, %d threads, %d pages verified, %d faults resolved in %v", r.Platform, r.Sessions, r.Threads, r.Pages, r.Faults, r.Elapsed)
}

// workloadBase is where every session attaches its memory.
const workloadBase = hostarch.Addr(0x1000000)

// Run boots core with cfg, runs w and shuts core down.
func Run(ctx context.Context, cfg core.Config, w Workload) (Report, error) {
	start := time.Now()
	faults := metric.Snapshot()["/pager/resolved"]

	c, err := core.Boot(cfg)
	if err != nil {
		return Report{}, err
	}
	defer c.Close()

	sctx, cancel := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- c.Serve(sctx) }()
	defer func() {
		cancel()
		if err := <-served; err != nil && !errors.Is(err, context.Canceled) {
			log.Warningf("Core stopped: %v", err)
		}
	}()

	cl, err := c.NewClient("boot")
	if err != nil {
		return Report{}, err
	}
	defer cl.Close()
	reply := msgbuf.New(64)
	result := func() uint64 {
		v, _ := reply.Word(0)
		return v
	}

	var threads []*core.PlatformThread
	var sessions []capability.Capability
	size := uint64(w.Threads*w.Pages) * hostarch.PageSize
	for i := 0; i < w.Sessions; i++ {
		if err := rpc.Call(cl.Conn, cl.Root(), core.OpCreateSession, []uint64{64, w.RAM}, reply); err != nil {
			return Report{}, fmt.Errorf("creating session %d: %w", i, err)
		}
		id, sc := result(), reply.Cap(0)
		sessions = append(sessions, sc)
		pd, ok := c.Session(id)
		if !ok {
			return Report{}, fmt.Errorf("session %d vanished", id)
		}
		if size > 0 {
			if err := pd.RegionMap().Attach(workloadBase, size, hostarch.ReadWrite); err != nil {
				return Report{}, err
			}
		}
		for j := 0; j < w.Threads; j++ {
			if err := rpc.Call(cl.Conn, sc, core.OpCreateThread, []uint64{^uint64(0)}, reply); err != nil {
				return Report{}, fmt.Errorf("creating thread %d of session %d: %w", j, id, err)
			}
			t, ok := pd.Thread(core.SessionThreadName(result()))
			if !ok {
				return Report{}, fmt.Errorf("thread %d of session %d vanished", j, id)
			}
			if _, err := t.Pager(pd.RegionMap()); err != nil {
				return Report{}, err
			}
			threads = append(threads, t)
		}
	}
	log.Infof("Started %d threads in %d sessions", len(threads), len(sessions))

	var g errgroup.Group
	for i, t := range threads {
		// Threads of a session share its address space and touch disjoint
		// pages.
		slot := i % w.Threads
		t := t
		g.Go(func() error { return touch(t, workloadBase+hostarch.Addr(slot*w.Pages)*hostarch.PageSize, w.Pages) })
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	for i, sc := range sessions {
		if err := rpc.Call(cl.Conn, sc, core.OpCloseSession, nil, reply); err != nil {
			return Report{}, fmt.Errorf("closing session %d: %w", i, err)
		}
	}
	return Report{
		Platform: cfg.Platform,
		Sessions: len(sessions),
		Threads:  len(threads),
		Pages:    len(threads) * w.Pages,
		Faults:   metric.Snapshot()["/pager/resolved"] - faults,
		Elapsed:  time.Since(start),
	}, nil
}

// touch writes a pattern naming t into n pages at base and reads it back.
func touch(t *core.PlatformThread, base hostarch.Addr, n int) error {
	ctx := t.Context()
	for i := 0; i < n; i++ {
		addr := base + hostarch.Addr(i)*hostarch.PageSize
		want := []byte(fmt.Sprintf("%s page %d", t.FullName(), i))
		if err := ctx.WriteMem(addr, want); err != nil {
			return fmt.Errorf("thread %q writing %v: %w", t.FullName(), addr, err)
		}
		got := make([]byte, len(want))
		if err := ctx.ReadMem(addr, got); err != nil {
			return fmt.Errorf("thread %q reading %v: %w", t.FullName(), addr, err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("thread %q at %v: read %q, want %q", t.FullName(), addr, got, want)
		}
	}
	return nil
}
