// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ptimer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTimersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptimer_timers_active",
		Help: "Number of process timer records currently present in a registry.",
	})

	metricExpirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptimer_expirations_total",
		Help: "Total number of hardware expiries observed by Stage A across all records.",
	})

	metricSignalsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptimer_signals_delivered_total",
		Help: "Total number of signals delivered to completion by the signal queue.",
	})

	metricOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptimer_overflow_total",
		Help: "Sum of overflow_count reported to user mode across all delivered signals.",
	})
)
