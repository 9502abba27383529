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

package ipc

import (
	"time"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
)

var (
	callsMetric       = metric.MustCreateNewUint64Metric("/ipc/calls", "Number of IPC calls made.")
	requestsMetric    = metric.MustCreateNewUint64Metric("/ipc/requests", "Number of requests received by servers.")
	forgedMetric      = metric.MustCreateNewUint64Metric("/ipc/forged_dropped", "Number of requests dropped for badge mismatch.")
	malformedMetric   = metric.MustCreateNewUint64Metric("/ipc/malformed", "Number of malformed messages.")
	truncatedMetric   = metric.MustCreateNewUint64Metric("/ipc/truncated", "Number of messages truncated to fit.")
	recvRetryMetric   = metric.MustCreateNewUint64Metric("/ipc/receive_retries", "Number of server receives retried after a kernel error.")
	replyFailedMetric = metric.MustCreateNewUint64Metric("/ipc/reply_failed", "Number of best-effort replies that could not be sent.")
)

// diag reports protocol and security problems. Clients control how often these
// happen, so they are rate limited.
var diag = log.BasicRateLimitedLogger(time.Second)
