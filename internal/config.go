package internal

import "time"

// Config is the server's environment surface. Liveness knobs mirror the
// protocol defaults (probe every 30s, declare dead after 90s of silence,
// evict same-address duplicates after 60s).
type Config struct {
	Host        string `env:"HOST,default=0.0.0.0"`
	Port        int    `env:"PORT,default=8080"`
	DefaultRoom string `env:"DEFAULT_ROOM,default=lobby"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=90s"`
	StaleThreshold    time.Duration `env:"STALE_THRESHOLD,default=60s"`

	SendBufferSize  int           `env:"SEND_BUFFER_SIZE,default=64"`
	FrameBufferSize int           `env:"FRAME_BUFFER_SIZE,default=16"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT,default=2s"`

	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL,default=30s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=200ms"`

	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
	StaticDir string `env:"STATIC_DIR"`
	DebugPort int    `env:"DEBUG_PORT"`
}
