/*
 * Copyright 2026 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the core's configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Config is the full configuration of the telemetry and alerting core.
type Config struct {
	// Broker.
	MQTTBrokerHost string
	MQTTBrokerPort int
	MQTTUsername   string
	MQTTPassword   string
	MQTTClientID   string

	// Stores.
	DatabaseURL    string
	RedisURL       string
	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string
	NATSURL        string

	// Coordinator tunables.
	WorkerPoolSize    int
	AutoCreateDevices bool
	LastSeenDebounce  time.Duration
	DispatchWait      time.Duration
	MessageMaxRetries int
	DeadLetterDir     string

	// Time-series writer tunables.
	TSBatchSize     int
	TSFlushInterval time.Duration
	TSMaxRetries    int
	TSSpoolDir      string

	// Deadlines.
	DBTimeout      time.Duration
	CacheTimeout   time.Duration
	TSFlushTimeout time.Duration
	ShutdownGrace  time.Duration

	// Health tunables.
	OnlineWindow       time.Duration
	StalenessThreshold time.Duration

	// Metrics export. Empty endpoint disables the OTLP pipeline.
	OTelEndpoint string
	OTelInsecure bool
}

// FromEnv builds a Config from the environment, applying defaults for
// everything except the relational DSN.
func FromEnv() (*Config, error) {
	cfg := &Config{
		MQTTBrokerHost: getEnv("MQTT_BROKER_HOST", "localhost"),
		MQTTBrokerPort: getEnvInt("MQTT_BROKER_PORT", 1883),
		MQTTUsername:   os.Getenv("MQTT_USERNAME"),
		MQTTPassword:   os.Getenv("MQTT_PASSWORD"),
		MQTTClientID:   getEnv("MQTT_CLIENT_ID", "factoryops-ingester"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		InfluxDBURL:    getEnv("INFLUXDB_URL", "http://localhost:8086"),
		InfluxDBToken:  os.Getenv("INFLUXDB_TOKEN"),
		InfluxDBOrg:    getEnv("INFLUXDB_ORG", "factoryops"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "factoryops"),
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),

		WorkerPoolSize:    getEnvInt("WORKER_POOL_SIZE", runtime.NumCPU()*2),
		AutoCreateDevices: getEnvBool("AUTO_CREATE_DEVICES", true),
		LastSeenDebounce:  getEnvDuration("LAST_SEEN_DEBOUNCE", 5*time.Second),
		DispatchWait:      getEnvDuration("RULE_DISPATCH_WAIT", 2*time.Second),
		MessageMaxRetries: getEnvInt("MESSAGE_MAX_RETRIES", 5),
		DeadLetterDir:     getEnv("DEAD_LETTER_DIR", "/var/lib/factoryops/deadletter"),

		TSBatchSize:     getEnvInt("TS_BATCH_SIZE", 500),
		TSFlushInterval: getEnvDuration("TS_FLUSH_INTERVAL", time.Second),
		TSMaxRetries:    getEnvInt("TS_MAX_RETRIES", 5),
		TSSpoolDir:      getEnv("TS_SPOOL_DIR", "/var/lib/factoryops/spool"),

		DBTimeout:      getEnvDuration("DB_TIMEOUT", 5*time.Second),
		CacheTimeout:   getEnvDuration("CACHE_TIMEOUT", 2*time.Second),
		TSFlushTimeout: getEnvDuration("TS_FLUSH_TIMEOUT", 10*time.Second),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),

		OnlineWindow:       getEnvDuration("ONLINE_WINDOW", 10*time.Minute),
		StalenessThreshold: getEnvDuration("STALENESS_THRESHOLD", 60*time.Second),

		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelInsecure: getEnvBool("OTEL_EXPORTER_INSECURE", true),
	}

	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}

	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}

	return cfg, nil
}

// BrokerAddr returns the MQTT broker address in host:port form.
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.MQTTBrokerHost, c.MQTTBrokerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}
