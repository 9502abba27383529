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

	"github.com/google/subcommands"

	"capcore.dev/capcore/pkg/platform"
)

// Platforms implements subcommands.Command for the "platforms" command.
type Platforms struct{}

// Name implements subcommands.Command.Name.
func (*Platforms) Name() string {
	return "platforms"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Platforms) Synopsis() string {
	return "print a list of available kernels."
}

// Usage implements subcommands.Command.Usage.
func (*Platforms) Usage() string {
	return `platforms - print a list of available kernels and how they deliver faults.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Platforms) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Platforms) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := listPlatforms(os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func listPlatforms(w io.Writer) error {
	for _, name := range platform.List() {
		c, err := platform.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\tfaults by %v\n", name, c.FaultDelivery())
	}
	return nil
}
