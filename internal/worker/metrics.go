package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sends_total",
		Help: "Channel send attempts by outcome",
	}, []string{"channel", "outcome"})

	schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_scheduler_ticks_total",
		Help: "Scheduler ticks by loop and result",
	}, []string{"loop", "result"})
)
