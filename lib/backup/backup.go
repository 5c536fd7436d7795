// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup archives the world directory once a day at local
// midnight and prunes archives past the retention window.
package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/atlas-hosting/runner/lib/clock"
	"github.com/atlas-hosting/runner/lib/cron"
)

// BackupDir is the archive directory relative to the server root.
const BackupDir = ".runner/backup"

// dailyMidnight fires at 00:00 in the scheduler's timezone.
const dailyMidnight = "0 0 * * *"

// archiveTimeFormat names archives so the run date is recoverable
// from the filename alone.
const archiveTimeFormat = "20060102-150405"

// Options configures a Scheduler.
type Options struct {
	ServerRoot string

	// WorldDir is the directory to archive, relative to the server
	// root.
	WorldDir string

	// Compression is "zstd", "lz4", or "none".
	Compression string

	// Retention is how long archives are kept, judged by file
	// modification time.
	Retention time.Duration

	// Timezone is an IANA zone name; empty means the host's local
	// zone.
	Timezone string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Scheduler runs the daily backup loop. Create with New, run with Run.
type Scheduler struct {
	options  Options
	clock    clock.Clock
	logger   *slog.Logger
	schedule cron.Schedule
	location *time.Location
}

// New validates the options and builds a scheduler.
func New(options Options) (*Scheduler, error) {
	schedule, err := cron.Parse(dailyMidnight)
	if err != nil {
		return nil, err
	}
	location := time.Local
	if options.Timezone != "" {
		location, err = time.LoadLocation(options.Timezone)
		if err != nil {
			return nil, fmt.Errorf("backup timezone: %w", err)
		}
	}
	switch options.Compression {
	case "zstd", "lz4", "none":
	default:
		return nil, fmt.Errorf("backup compression %q not supported", options.Compression)
	}
	schedulerClock := options.Clock
	if schedulerClock == nil {
		schedulerClock = clock.Real()
	}
	return &Scheduler{
		options:  options,
		clock:    schedulerClock,
		logger:   options.Logger,
		schedule: schedule,
		location: location,
	}, nil
}

// Run executes the backup loop until the context is cancelled. The
// next fire time is recomputed on every iteration so clock or DST
// drift never accumulates; a missing archive for the current date
// triggers an immediate catch-up run, covering a host that slept
// through midnight.
func (s *Scheduler) Run(ctx context.Context) {
	if now := s.now(); !s.ranOn(now) {
		s.runAndLog(now)
	}
	for {
		now := s.now()
		next, err := s.schedule.Next(now)
		if err != nil {
			s.logger.Error("backup schedule has no next fire time", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
			s.runAndLog(s.now())
		}
	}
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().In(s.location)
}

func (s *Scheduler) runAndLog(now time.Time) {
	if err := s.RunOnce(now); err != nil {
		s.logger.Error("backup failed", "error", err)
	}
}

// RunOnce archives the world directory and prunes expired archives.
func (s *Scheduler) RunOnce(now time.Time) error {
	worldDir := filepath.Join(s.options.ServerRoot, s.options.WorldDir)
	if _, err := os.Stat(worldDir); os.IsNotExist(err) {
		s.logger.Warn("world directory missing, skipping backup", "dir", worldDir)
		return nil
	}

	backupDir := filepath.Join(s.options.ServerRoot, BackupDir)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}

	name := "backup-" + now.Format(archiveTimeFormat) + ".tar" + s.suffix()
	destination := filepath.Join(backupDir, name)
	if err := s.archive(worldDir, destination); err != nil {
		return fmt.Errorf("archiving world: %w", err)
	}
	s.logger.Info("backup written", "archive", name)

	return s.prune(backupDir, now)
}

func (s *Scheduler) suffix() string {
	switch s.options.Compression {
	case "zstd":
		return ".zst"
	case "lz4":
		return ".lz4"
	default:
		return ""
	}
}

// ranOn reports whether an archive for the given date already exists,
// judged by the date encoded in the archive filename.
func (s *Scheduler) ranOn(day time.Time) bool {
	entries, err := os.ReadDir(filepath.Join(s.options.ServerRoot, BackupDir))
	if err != nil {
		return false
	}
	prefix := "backup-" + day.Format("20060102")
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			return true
		}
	}
	return false
}

// archive writes worldDir as a (possibly compressed) tar to
// destination via a temp file, so a crash mid-archive never leaves a
// plausible-looking partial backup.
func (s *Scheduler) archive(worldDir, destination string) error {
	temporary, err := os.CreateTemp(filepath.Dir(destination), ".partial-*")
	if err != nil {
		return err
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	if err := s.writeArchive(temporary, worldDir); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	return os.Rename(temporaryPath, destination)
}

func (s *Scheduler) writeArchive(file *os.File, worldDir string) error {
	var sink io.Writer = file
	var closeCompressor func() error

	switch s.options.Compression {
	case "zstd":
		writer, err := zstd.NewWriter(file)
		if err != nil {
			return err
		}
		sink, closeCompressor = writer, writer.Close
	case "lz4":
		writer := lz4.NewWriter(file)
		sink, closeCompressor = writer, writer.Close
	}

	tarWriter := tar.NewWriter(sink)
	if err := addTree(tarWriter, worldDir); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if closeCompressor != nil {
		return closeCompressor()
	}
	return nil
}

// addTree walks the world directory and appends every regular file
// and directory to the tar.
func addTree(tarWriter *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relative == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relative)
		if entry.IsDir() {
			header.Name += "/"
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer source.Close()
		_, err = io.Copy(tarWriter, source)
		return err
	})
}

// prune removes archives whose modification time is past the
// retention window.
func (s *Scheduler) prune(backupDir string, now time.Time) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	cutoff := now.Add(-s.options.Retention)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "backup-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(backupDir, entry.Name())); err != nil {
				s.logger.Warn("pruning backup failed", "archive", entry.Name(), "error", err)
				continue
			}
			s.logger.Info("pruned expired backup", "archive", entry.Name())
		}
	}
	return nil
}
