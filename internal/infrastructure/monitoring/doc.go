/*
Package monitoring provides metrics collection for a capcore component.

# Overview

This package implements Prometheus-based metrics for the communication core:
capability-id usage, RPC dispatch outcomes, signal traffic, page-fault
resolution and supervisor decisions. Collectors are registered on an
injected registerer so each component owns its own registry.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	// Record custom metrics
	metrics.SetCapIDsInUse(12)
	metrics.RecordPageFault("resolved")

	// Time dispatches
	timer := monitoring.NewTimer(metrics, "ep_main")
	// ... dispatch ...
	timer.Stop("success", false)

# Metrics Endpoint

Expose metrics via the admin server:

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
