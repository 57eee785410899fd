package config

import "time"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "~/.inboxrelay/inboxrelay.db",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			MaxBodyBytes: 1 << 20,
		},
		Ingest: IngestConfig{
			AllowedInboxes: FlexStringList{"3", "2"},
			DefaultStatus:  "open",
			EventType:      "message_created",
		},
		Notify: NotifyConfig{
			RelayURL:       "http://localhost:3001",
			Timeout:        Duration(3 * time.Second),
			Retries:        0,
			QueueSize:      256,
			Workers:        2,
			EnqueueTimeout: Duration(100 * time.Millisecond),
		},
		Relay: RelayConfig{
			Host:         "0.0.0.0",
			Port:         3001,
			SendBuffer:   64,
			PingInterval: Duration(25 * time.Second),
			PongWait:     Duration(60 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
