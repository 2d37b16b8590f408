package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"commsrelay/internal/config"

	"github.com/spf13/cobra"
)

// Archive layout: config file and database at the root, stored media
// under uploads/.
const uploadsPrefix = "uploads/"

type backupSet struct {
	cfgPath    string
	dbPath     string
	uploadsDir string
}

func resolveBackupSet() backupSet {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	return backupSet{
		cfgPath:    cfgPath,
		dbPath:     config.ExpandPath(cfg.Storage.DBPath),
		uploadsDir: config.ExpandPath(cfg.Storage.UploadsDir),
	}
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, database and stored media",
		Long: `Creates a .tar.gz with the config file, the SQLite database (token cache
and attachment catalog) and every file in the uploads directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()
			if outputPath == "" {
				dir := filepath.Join(filepath.Dir(set.cfgPath), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("commsrelay-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			entries, err := collectBackup(set)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, db: %s)", set.cfgPath, set.dbPath)
			}
			if err := writeArchive(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Printf("Backup created: %s (%d files)\n", outputPath, len(entries))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output archive (default: <config dir>/backups/commsrelay-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore the config, database and stored media from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := resolveBackupSet()
			if !force {
				for _, p := range []string{set.cfgPath, set.dbPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists; use --force to overwrite", p)
					}
				}
			}
			restored, err := extractArchive(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored %d files from %s\n", restored, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// archiveEntry maps a file on disk to its name inside the archive.
type archiveEntry struct {
	src  string
	name string
}

func collectBackup(set backupSet) ([]archiveEntry, error) {
	var entries []archiveEntry
	addIfExists := func(src, name string) {
		if _, err := os.Stat(src); err == nil {
			entries = append(entries, archiveEntry{src: src, name: name})
		}
	}

	addIfExists(set.cfgPath, filepath.Base(set.cfgPath))
	addIfExists(set.dbPath, "commsrelay.db")
	addIfExists(set.dbPath+"-wal", "commsrelay.db-wal")
	addIfExists(set.dbPath+"-shm", "commsrelay.db-shm")

	files, err := os.ReadDir(set.uploadsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read uploads dir: %w", err)
	}
	for _, f := range files {
		if f.Type().IsRegular() {
			entries = append(entries, archiveEntry{
				src:  filepath.Join(set.uploadsDir, f.Name()),
				name: uploadsPrefix + f.Name(),
			})
		}
	}
	return entries, nil
}

func writeArchive(outputPath string, entries []archiveEntry) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if err := addFileToTar(tw, e); err != nil {
			return fmt.Errorf("add %s: %w", e.src, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	f, err := os.Open(e.src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// targetFor resolves where an archived name is restored. Unknown names
// and names that would escape the uploads dir are skipped.
func targetFor(name string, set backupSet) (string, bool) {
	clean := path.Clean(name)
	switch {
	case strings.HasPrefix(clean, uploadsPrefix):
		base := strings.TrimPrefix(clean, uploadsPrefix)
		if base == "" || strings.Contains(base, "/") || base == ".." {
			return "", false
		}
		return filepath.Join(set.uploadsDir, base), true
	case clean == "commsrelay.db":
		return set.dbPath, true
	case clean == "commsrelay.db-wal":
		return set.dbPath + "-wal", true
	case clean == "commsrelay.db-shm":
		return set.dbPath + "-shm", true
	case clean == filepath.Base(set.cfgPath), clean == "config.json", clean == "config.yaml", clean == "config.yml":
		return set.cfgPath, true
	}
	return "", false
}

func extractArchive(archivePath string, set backupSet) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	restored := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, err
		}
		target, ok := targetFor(header.Name, set)
		if !ok || header.Typeflag != tar.TypeReg {
			logger.Warn("skipping archive entry", "name", header.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return restored, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
		if err != nil {
			return restored, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return restored, fmt.Errorf("extract %s: %w", target, err)
		}
		out.Close()
		restored++
	}
	return restored, nil
}
