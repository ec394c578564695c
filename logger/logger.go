package logger

import (
    "os"

    "github.com/improdead/esprit/config"
    "github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. Console-formatted in development,
// bare JSON in production so it can be shipped to a log aggregator.
func New(cfg *config.Config) zerolog.Logger {
    lvl := zerolog.InfoLevel
    if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
        lvl = parsed
    } else if cfg.Env == "development" {
        lvl = zerolog.DebugLevel
    }
    zerolog.SetGlobalLevel(lvl)

    if cfg.IsDevelopment() {
        out := zerolog.ConsoleWriter{Out: os.Stderr}
        return zerolog.New(out).With().Timestamp().Logger()
    }
    return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
