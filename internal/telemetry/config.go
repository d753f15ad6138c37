package telemetry

import (
	"fmt"
	"time"
)

// Protocol selects the OTLP transport.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config holds telemetry configuration.
type Config struct {
	// Enabled controls whether telemetry providers are initialized.
	Enabled bool

	// ServiceName identifies this service in traces and metrics.
	ServiceName string

	// ServiceVersion is the semantic version reported in the resource.
	ServiceVersion string

	// Endpoint is the OTLP collector endpoint (host:port, no scheme).
	Endpoint string

	// Protocol is "grpc" or "http".
	Protocol string

	// Insecure disables TLS on the exporter connection.
	Insecure bool

	// ShutdownTimeout bounds provider shutdown when the caller's
	// context carries no deadline.
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		ServiceName:     "secondbraind",
		ServiceVersion:  "dev",
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		Insecure:        true,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("telemetry config is nil")
	}
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("unsupported protocol %q: must be %q or %q", c.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
