package internal

import (
	"fmt"
	"strings"
	"time"
)

// Config is the server-side configuration, loaded from the environment.
type Config struct {
	Host                 string        `env:"HOST,default=0.0.0.0"`
	Port                 int           `env:"PORT,default=8080"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	BadgerFilepath       string        `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath        string        `env:"BLUGE_FILEPATH,required=true"`
	LogLevel             string        `env:"LOG_LEVEL,default=info"`
	BufferSize           int           `env:"BUFFER_SIZE,default=256"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64"`
	HistoryPageSize      int           `env:"HISTORY_PAGE_SIZE,default=50"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=2s"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL,default=5s"`
	AuthTokenDuration    time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
	AuthSecret           string        `env:"AUTH_SECRET,required=true"`
	CharReplacement      string        `env:"CHARACTER_REPLACEMENT,default=*"`
}

// Origins splits the semicolon-separated origin allow-list.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ";") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
