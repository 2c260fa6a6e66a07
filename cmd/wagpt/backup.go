package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"wagpt/internal/config"

	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of wagpt data (config, credentials, seen-message log)",
		Long: `Creates a compressed .tar.gz archive containing the configuration file,
the WhatsApp credential store and the seen-message database. The backup is
timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.ExpandPath(cfg.General.DataDir), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wagpt-backup-%s.tar.gz", ts))
			}

			files := backupFiles(cfgPath, cfg)
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (config: %s, auth: %s, db: %s)",
					cfgPath, cfg.Transport.WhatsApp.StorePath, cfg.General.DBPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				info, _ := os.Stat(f)
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/wagpt-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore wagpt data from a backup archive",
		Long: `Restores the configuration file, credential store and seen-message
database from a .tar.gz backup archive created by 'wagpt backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: wagpt restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return err
			}
			targets := restoreTargets(cfgPath, cfg)

			// Safety: warn before overwriting
			if !force {
				var existing []string
				for _, target := range targets {
					if _, err := os.Stat(target); err == nil {
						existing = append(existing, target)
					}
				}
				if len(existing) > 0 {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					for _, f := range existing {
						fmt.Printf("  %s\n", f)
					}
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// backupFiles lists the existing files that make up wagpt's state.
func backupFiles(cfgPath string, cfg *config.Config) []string {
	var files []string
	if _, err := os.Stat(cfgPath); err == nil {
		files = append(files, cfgPath)
	}
	files = append(files, sqliteFiles(cfg.Transport.WhatsApp.StorePath)...)
	if cfg.General.DBPath != cfg.Transport.WhatsApp.StorePath {
		files = append(files, sqliteFiles(cfg.General.DBPath)...)
	}
	return files
}

// restoreTargets maps archive entry names to the paths they restore to.
// Entries are stored by base name, so targets follow the current config.
func restoreTargets(cfgPath string, cfg *config.Config) map[string]string {
	targets := map[string]string{filepath.Base(cfgPath): cfgPath}
	for _, db := range []string{cfg.General.DBPath, cfg.Transport.WhatsApp.StorePath} {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			targets[filepath.Base(db)+suffix] = db + suffix
		}
	}
	return targets
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	// Use just the base filename in the archive.
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz extracts the entries named in targets. Anything else in the
// archive is skipped.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok {
			logger.Warn("skipping unknown backup entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
			return nil, err
		}

		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
