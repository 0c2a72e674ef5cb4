// Package hvlog sets up the module's structured logger: a single
// *slog.Logger, shared by every package that needs to log, writing
// text-formatted records to stderr.
package hvlog

import (
	"log/slog"
	"os"
)

// New returns a text-handler slog.Logger writing to stderr at the given
// level.
func New(level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
