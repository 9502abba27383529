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

package rpc

import (
	"time"

	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
)

var (
	dispatchMetric      = metric.MustCreateNewUint64Metric("/rpc/dispatched", "Number of RPC requests dispatched to an object.")
	unknownObjectMetric = metric.MustCreateNewUint64Metric("/rpc/unknown_object", "Number of RPC requests for objects not managed by the entrypoint.")
)

var diag = log.BasicRateLimitedLogger(time.Second)
