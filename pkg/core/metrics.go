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

package core

import "capcore.dev/capcore/pkg/metric"

var (
	sessionsMetric = metric.MustCreateNewUint64Metric("/core/sessions_created", "Number of sessions created.")
	threadsMetric  = metric.MustCreateNewUint64Metric("/core/threads_created", "Number of session threads created.")
	quotaMetric    = metric.MustCreateNewUint64Metric("/core/quota_exceeded", "Number of allocations refused by a session quota.")
)
