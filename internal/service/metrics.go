package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_messages_total",
		Help: "Recipients processed by the dispatch engine, by result.",
	}, []string{"result"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_runs_total",
		Help: "Campaign runs finished, by final status.",
	}, []string{"status"})

	vendorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_vendor_call_duration_seconds",
		Help:    "Latency of synchronous vendor sends.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	receiptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_receipt_outcomes_total",
		Help: "Delivery outcomes applied to communication logs, by reconciliation result.",
	}, []string{"outcome"})

	consistencyFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consistency_faults_total",
		Help: "Outcomes that had no PENDING communication log to land on.",
	})

	asyncQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_async_sends_total",
		Help: "Messages accepted on the queue-and-confirm vendor path.",
	})
)
