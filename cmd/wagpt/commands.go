package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"wagpt/internal/config"
	"wagpt/internal/provider"
	"wagpt/internal/transport/whatsapp"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", dataDir)
			fmt.Printf("Set %s in the environment or a .env file, then run 'wagpt'.\n", config.APIKeyEnv)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func statusCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pairing and completion status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			_, statErr := os.Stat(cfgPath)
			logger.Info("config", "path", cfgPath, "loaded", statErr == nil)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			switch cfg.Transport.Kind {
			case "telegram":
				logger.Info("transport", "kind", "telegram", "tokenConfigured", cfg.Transport.Telegram.Token != "")
			default:
				if _, err := os.Stat(cfg.Transport.WhatsApp.StorePath); errors.Is(err, os.ErrNotExist) {
					logger.Info("transport", "kind", "whatsapp", "paired", false, "store", cfg.Transport.WhatsApp.StorePath)
					break
				}
				store, err := whatsapp.OpenStore(ctx, cfg.Transport.WhatsApp.StorePath, logger)
				if err != nil {
					return err
				}
				paired, jid, err := store.Paired(ctx)
				store.Close()
				if err != nil {
					return err
				}
				logger.Info("transport", "kind", "whatsapp", "paired", paired, "jid", jid)
			}

			hasKey := config.RequireAPIKey(cfg) == nil
			logger.Info("completion", "model", cfg.Completion.Model, "apiBase", cfg.Completion.APIBase, "apiKeySet", hasKey)
			if check && hasKey {
				client := provider.NewOpenAI(provider.OpenAIConfig{
					APIKey:  cfg.Completion.APIKey,
					APIBase: cfg.Completion.APIBase,
					Model:   cfg.Completion.Model,
					Logger:  logger,
				})
				if err := client.Healthy(ctx); err != nil {
					logger.Info("completion", "healthy", false, "err", err)
				} else {
					logger.Info("completion", "healthy", true)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "also call the completion endpoint")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. completion.model)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. relay.batchPolicy last)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(configListCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func configListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if asJSON {
				data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			printEntries(cmd.OutOrStdout(), config.ListPaths(cfg))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole config as JSON")
	return cmd
}

func printEntries(w io.Writer, entries []config.Entry) {
	for _, e := range entries {
		if s, ok := e.Value.(string); ok {
			fmt.Fprintf(w, "%s = %q\n", e.Path, s)
		} else {
			fmt.Fprintf(w, "%s = %v\n", e.Path, e.Value)
		}
	}
}

func resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the linked WhatsApp device",
		Long:  "Deletes the credential store so the next run prints a new pairing QR code.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefaults(resolveConfigPath())
			if err != nil {
				return err
			}
			files := sqliteFiles(cfg.Transport.WhatsApp.StorePath)
			if len(files) == 0 {
				fmt.Println("No credential store found, nothing to reset.")
				return nil
			}
			if !force {
				fmt.Printf("WARNING: This will unlink the device stored in %s.\n", cfg.Transport.WhatsApp.StorePath)
				fmt.Printf("Use --force to proceed.\n")
				return fmt.Errorf("reset aborted (use --force to proceed)")
			}
			for _, f := range files {
				if err := os.Remove(f); err != nil {
					return fmt.Errorf("remove %s: %w", f, err)
				}
				fmt.Printf("  - removed %s\n", filepath.Base(f))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete without warning")
	return cmd
}

// sqliteFiles returns dbPath and its -wal/-shm companions that exist on disk.
func sqliteFiles(dbPath string) []string {
	var files []string
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	return files
}
