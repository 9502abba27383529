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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"capcore.dev/capcore/pkg/pager"
)

// Classify implements subcommands.Command for the "classify" command.
type Classify struct{}

// Name implements subcommands.Command.Name.
func (*Classify) Name() string {
	return "classify"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Classify) Synopsis() string {
	return "decode x86 page fault error codes."
}

// Usage implements subcommands.Command.Usage.
func (*Classify) Usage() string {
	return `classify <error code>... - print the fault type of each error code.

Codes may be given in decimal or with a 0x prefix.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Classify) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Classify) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := classify(os.Stdout, f.Args()); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func classify(w io.Writer, codes []string) error {
	for _, s := range codes {
		code, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid error code %q: %w", s, err)
		}
		fmt.Fprintf(w, "%#x: %v (present=%t write=%t user=%t fetch=%t)\n", code, pager.Classify(code),
			code&pager.ErrorPresent != 0,
			code&pager.ErrorWrite != 0,
			code&pager.ErrorUser != 0,
			code&pager.ErrorFetch != 0)
	}
	return nil
}
