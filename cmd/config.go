package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

type Config struct {
	Host                 string        `env:"HOST,default=localhost"`
	Port                 int           `env:"PORT,default=8080"`
	DebugPort            int           `env:"DEBUG_PORT,default=8081"`
	LogLevel             string        `env:"LOG_LEVEL,required=true"`
	BadgerFilepath       string        `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath        string        `env:"BLUGE_FILEPATH,required=true"`
	ArchiveFilepath      string        `env:"ARCHIVE_FILEPATH,required=true"`
	JwtSecret            string        `env:"JWT_SECRET,required=true"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64"`
	MaxContentLength     int           `env:"MAX_CONTENT_LENGTH,default=4000"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=5s"`
	PongTimeout          time.Duration `env:"PONG_TIMEOUT,default=60s"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	SessionTTL           time.Duration `env:"SESSION_TTL,default=24h"`
	RetentionInterval    time.Duration `env:"RETENTION_INTERVAL,default=1h"`
	ArchiveAfterDays     int           `env:"ARCHIVE_AFTER_DAYS,default=365"`
	PruneAfterDays       int           `env:"PRUNE_AFTER_DAYS,default=0"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=5s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	CharReplacement      string        `env:"CHARACTER_REPLACEMENT,default=*"`
	CensoredWords        string        `env:"CENSORED_WORDS"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS"`
}

func (c Config) CharacterRune() (rune, error) {
	r := []rune(c.CharReplacement)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			c.CharReplacement,
		)
	}
	return r[0], nil
}

// List splits a comma separated setting, ignoring blanks.
func List(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
