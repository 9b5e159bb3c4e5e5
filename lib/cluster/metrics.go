// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/farmout-project/farmout/lib/progress"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	tasksByStatus    *prometheus.GaugeVec
	progressCurrent  prometheus.Gauge
	progressTotal    prometheus.Gauge
	progressFraction prometheus.Gauge
	pollCycles       prometheus.Counter
}

func (m *metrics) setup(reg *prometheus.Registry) {
	m.tasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "farmout",
		Subsystem: "cluster",
		Name:      "tasks",
		Help:      "Number of tasks in each status.",
	}, []string{"status"})
	reg.MustRegister(m.tasksByStatus)
	m.progressCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmout",
		Subsystem: "cluster",
		Name:      "progress_current",
		Help:      "Sum of reported progress numerators across tasks.",
	})
	reg.MustRegister(m.progressCurrent)
	m.progressTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmout",
		Subsystem: "cluster",
		Name:      "progress_total",
		Help:      "Sum of reported progress denominators across tasks.",
	})
	reg.MustRegister(m.progressTotal)
	m.progressFraction = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "farmout",
		Subsystem: "cluster",
		Name:      "progress_fraction",
		Help:      "Cluster-wide completion fraction over reporting tasks.",
	})
	reg.MustRegister(m.progressFraction)
	m.pollCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "farmout",
		Subsystem: "cluster",
		Name:      "poll_cycles_total",
		Help:      "Number of scan-and-aggregate cycles performed.",
	})
	reg.MustRegister(m.pollCycles)
}

func (m *metrics) update(summary progress.Summary) {
	for status := farmout.TaskPending; status <= farmout.TaskUnreachable; status++ {
		m.tasksByStatus.WithLabelValues(status.String()).Set(float64(summary.StatusCounts[status]))
	}
	m.progressCurrent.Set(float64(summary.Current))
	m.progressTotal.Set(float64(summary.Total))
	m.progressFraction.Set(summary.Fraction())
	m.pollCycles.Inc()
}
