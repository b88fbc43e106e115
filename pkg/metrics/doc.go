/*
Package metrics defines and registers the Prometheus instrumentation
exposed by the control service and by each agent.

All metrics are registered at package init via prometheus.MustRegister
and exposed over HTTP via Handler(), matching the default Prometheus
text exposition format.

# Metrics Catalog

Control service:

  - flocker_nodes_connected_total (gauge): agents currently connected
  - flocker_datasets_total{deleted} (gauge): datasets in the desired
    configuration, partitioned by deleted state
  - flocker_configuration_tag_writes_total (gauge): monotonic count of
    successful set_if_matches calls
  - flocker_api_requests_total{route,status} (counter)
  - flocker_api_request_duration_seconds{route} (histogram)

Agent / convergence loop:

  - flocker_convergence_cycles_total (counter)
  - flocker_convergence_cycle_duration_seconds (histogram)
  - flocker_backend_call_duration_seconds{operation} (histogram)
  - flocker_backend_errors_total{operation,category} (counter)
  - flocker_dataset_failure_count{dataset_id} (gauge): consecutive
    convergence-action failures for a dataset, reset on success

Protocol:

  - flocker_agent_connection_state (gauge): 1 connected, 0 disconnected
  - flocker_protocol_reconnects_total (counter)

# Usage

	timer := metrics.NewTimer()
	_, err := be.CreateVolume(ctx, datasetID, size)
	metrics.BackendCallDuration.WithLabelValues("create_volume").Observe(timer.Duration().Seconds())
	if err != nil {
		category, _ := flockerrors.CategoryOf(err)
		metrics.BackendErrorsTotal.WithLabelValues("create_volume", string(category)).Inc()
	}

Exposing the endpoint:

	mux.Handle("/metrics", metrics.Handler())

# Health, Readiness, and Liveness

RegisterComponent/UpdateComponent track the health of named subsystems
(e.g. "configuration_store", "agent_listener" for the control service).
HealthHandler, ReadyHandler, and LivenessHandler expose /health, /ready,
and /live respectively; /ready additionally requires the critical
components "configuration_store" and "agent_listener" to be both
registered and healthy.
*/
package metrics
