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

package pager

import (
	"time"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
)

var (
	faultsMetric     = metric.MustCreateNewUint64Metric("/pager/faults", "Number of page faults handed to resolvers.")
	resolvedMetric   = metric.MustCreateNewUint64Metric("/pager/resolved", "Number of page faults resolved with a mapping.")
	unresolvedMetric = metric.MustCreateNewUint64Metric("/pager/unresolved", "Number of page faults left to the exception handler.")
	unhandledMetric  = metric.MustCreateNewUint64Metric("/pager/unhandled", "Number of page faults of threads without a pager object.")
)

var diag = log.BasicRateLimitedLogger(time.Second)
