package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Transport
	v.SetDefault("transport.kind", "websocket")
	v.SetDefault("transport.handshakeTimeout", "30s")
	v.SetDefault("transport.connectTimeout", "20s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "25s")
	v.SetDefault("transport.maxMessageSize", 16*1024*1024)
	v.SetDefault("transport.multiplexEndpoints", []string{})

	// Registry
	v.SetDefault("registry.teardownDelay", "2s")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.component", "deltaconn")

	// Epoch store
	v.SetDefault("epochstore.kind", "memory")
	v.SetDefault("epochstore.ttl", "1h")
	v.SetDefault("epochstore.cleanupInterval", "10m")
	v.SetDefault("epochstore.prefix", "deltaconn:epoch:")

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "deltaconn")

	// Retry
	v.SetDefault("retry.initialInterval", "500ms")
	v.SetDefault("retry.maxInterval", "30s")
	v.SetDefault("retry.maxElapsedTime", "5m")
	v.SetDefault("retry.maxAttempts", 10)
}
