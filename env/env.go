package env

import (
	"fmt"
	"os"
	"path/filepath"
)

func ServiceName() string {
	return lookupWithFallback("SERVICE_NAME", "yotp-charity")
}

func FrontendPort() string {
	return fmt.Sprintf(
		":%s",
		lookupWithFallback("FRONTEND_PORT", "8008"),
	)
}

func ConfigPath() string {
	return lookupWithFallback("CONFIG_PATH", "/app/charityfeed")
}

// EventLogPath is the tab separated event log read by the File source.
func EventLogPath() string {
	return lookupWithFallback("EVENT_LOG_PATH", filepath.Join(ConfigPath(), "events.log"))
}

func DBHost() string {
	return lookupWithFallback("SQUEAL_HOST", "squeal")
}

func DBUser() string {
	return lookupWithFallback("SQUEAL_USER", "test")
}

func DBPass() string {
	return lookupWithFallback("SQUEAL_PASS", "verySecureSuperSafe")
}

func DBName() string {
	return lookupWithFallback("SQUEAL_DB", "charities")
}

func RedisAddr() string {
	return lookupWithFallback("REDIS_ADDR", "redis:6379")
}

func RedisStream() string {
	return lookupWithFallback("REDIS_STREAM", "charity-events")
}

// OTLPEndpoint is empty unless traces should be exported.
func OTLPEndpoint() string {
	return lookupWithFallback("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func lookupWithFallback(key, fallback string) string {
	value, found := os.LookupEnv(key)
	if found {
		return value
	}

	return fallback
}
