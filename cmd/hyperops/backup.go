package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/hyperops/internal/config"
	"github.com/mtzanidakis/hyperops/internal/store"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hyperops backup -f <output.db.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	size, err := writeBackup(context.Background(), db, outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Backup complete: %s, %s\n", outputPath, formatSize(size))
	return nil
}

// writeBackup snapshots db and writes it zstd-compressed to outputPath. It
// returns the compressed size.
func writeBackup(ctx context.Context, db *store.Store, outputPath string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "hyperops-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if err := db.Snapshot(ctx, snapshot); err != nil {
		return 0, err
	}

	in, err := os.Open(snapshot)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	if _, err := io.Copy(zw, in); err != nil {
		return 0, fmt.Errorf("compress snapshot: %w", err)
	}

	// Close explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hyperops restore -f <backup.db.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := restoreBackup(inputPath, cfg.Store, overwrite); err != nil {
		return err
	}
	fmt.Printf("Restore complete: %s\n", cfg.Store.Path)
	return nil
}

// restoreBackup decompresses inputPath into the store path. The restored
// file is opened once before it replaces the live database so a corrupt
// archive never clobbers it.
func restoreBackup(inputPath string, cfg config.StoreConfig, overwrite bool) error {
	if _, err := os.Stat(cfg.Path); err == nil && !overwrite {
		return fmt.Errorf("database %s already exists, add -overwrite to replace it", cfg.Path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat database: %w", err)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	staged := cfg.Path + ".restore"
	out, err := os.Create(staged)
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(staged)
		return fmt.Errorf("decompress archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(staged)
		return fmt.Errorf("close staged file: %w", err)
	}

	check, err := store.New(config.StoreConfig{Path: staged})
	if err != nil {
		os.Remove(staged)
		return fmt.Errorf("archive is not a usable database: %w", err)
	}
	check.Close()

	// Stale WAL files from the old database must not be replayed over the
	// restored one.
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(cfg.Path + suffix)
		os.Remove(staged + suffix)
	}
	if err := os.Rename(staged, cfg.Path); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	slog.Info("store restored", "path", cfg.Path, "from", inputPath)
	return nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
