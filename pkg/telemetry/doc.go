// Package telemetry provides observability for changeflow: structured
// logging (zerolog), distributed tracing (OpenTelemetry), Prometheus metrics
// and an asynchronous lifecycle event publisher for notification hooks.
//
// Initialize telemetry at application startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take a zerolog.Logger and tag it with their name:
//
//	logger := tel.Logger.NewComponentLogger("lock-manager").Zerolog()
//
// Metrics and tracers are nil-safe so tests can pass nil.
package telemetry
