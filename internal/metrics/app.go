package metrics

import "time"

// Service-level metric names.
const (
	OperationsTotal       = "app_operations_total"
	OperationsErrorsTotal = "app_operations_errors_total"
	ActiveConnections     = "app_active_connections"
	HealthCheckTotal      = "app_health_check_total"
	HealthCheckDuration   = "app_health_check_duration_ms"
	ServerStartTime       = "app_server_start_time_seconds"
	ServerUptime          = "app_server_uptime_seconds"
)

// RecordOperation counts an API operation (rate_limit_check, session_open, session_logout).
func RecordOperation(operation string, success bool) {
	counter(OperationsTotal, map[string]string{
		"operation": operation,
		"status":    status(success, "success", "failure"),
	})
}

// RecordOperationError counts a failed operation by cause.
func RecordOperationError(operation, errorType string) {
	counter(OperationsErrorsTotal, map[string]string{
		"operation":  operation,
		"error_type": errorType,
	})
}

// SetActiveConnections sets the number of open HTTP connections.
func SetActiveConnections(count int64) {
	gauge(ActiveConnections, float64(count), nil)
}

// RecordHealthCheck counts one health checker run and its latency.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	counter(HealthCheckTotal, map[string]string{
		"check":  checkName,
		"status": status(healthy, "healthy", "unhealthy"),
	})
	histogram(HealthCheckDuration, duration, map[string]string{"check": checkName})
}

// SetServerStartTime records the server start as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}

// SetServerUptime records uptime in seconds.
func SetServerUptime(seconds int64) {
	gauge(ServerUptime, float64(seconds), nil)
}
