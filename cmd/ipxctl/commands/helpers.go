package commands

import (
	"io"
	"log/slog"

	"github.com/solemn-relay/goipx/internal/addrtable"
)

// discardLogger gives the short-lived carriers these one-shot commands
// build a logger without cluttering stdout, which is reserved for the
// command's own formatted output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openTable opens the process-shared address table at tablePath, or the
// daemon's default path when tablePath is empty.
func openTable() *addrtable.Table {
	path := tablePath
	if path == "" {
		path = addrtable.DefaultPath()
	}
	return addrtable.New(path, discardLogger())
}
