// Copyright 2025 gbrec Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetrainTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gbrec",
		Subsystem: "trainer",
		Name:      "retrain_triggered_total",
	}, []string{"reason"})
	RetrainSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gbrec",
		Subsystem: "trainer",
		Name:      "retrain_skipped_total",
	}, []string{"reason"})
	TrainingFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gbrec",
		Subsystem: "trainer",
		Name:      "training_failed_total",
	})
	TrainingSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gbrec",
		Subsystem: "trainer",
		Name:      "training_seconds",
	})
	ValidationLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gbrec",
		Subsystem: "trainer",
		Name:      "validation_loss",
	})
	LastTrainingUnixTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gbrec",
		Subsystem: "trainer",
		Name:      "last_training_unix_time",
	})
)
