package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, "json", zerolog.InfoLevel)
)

func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "rostersync").Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// ConfigureLogger replaces the shared logger. format is "json" or "console";
// unknown levels fall back to info.
func ConfigureLogger(w io.Writer, format, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	loggerMu.Lock()
	logger = newLogger(w, format, lvl)
	loggerMu.Unlock()
}

// SetOutput points the shared JSON logger at w at debug level. Tests use it to
// capture log lines.
func SetOutput(w io.Writer) {
	ConfigureLogger(w, "json", "debug")
}

// LogRequest emits one access log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().Info().Fields(entry).Msg("http_request")
}
