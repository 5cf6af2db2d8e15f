package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Warden/internal/backup"
	"github.com/CZERTAINLY/Warden/internal/log"
)

// doBackup archives the backup source without touching the server. It is
// meant for a server which is not running, use the backup command of a
// running warden otherwise.
func doBackup(cmd *cobra.Command, args []string) error {
	if config.Backup == nil {
		return errors.New("backup is not configured")
	}
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("warden",
		slog.String("cmd", "backup"),
		slog.Int("pid", os.Getpid()),
	))

	start := time.Now()
	a := backup.Archiver{
		Source:      config.Backup.Source,
		Destination: config.Backup.Destination,
		Template:    config.Backup.Name,
	}
	path, err := a.Archive(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	slog.InfoContext(ctx, "backup created", "path", path, "took", time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
