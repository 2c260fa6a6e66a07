package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"wagpt/internal/config"

	"github.com/spf13/cobra"
)

var knownTransports = []struct {
	ID   string
	Desc string
}{{"whatsapp", "WhatsApp linked device (scan a QR code)"}, {"telegram", "Telegram bot (token from @BotFather)"}}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: transport → model → API key → save config",
		Long:  "Guides you through the messaging transport, the completion model and where the API key comes from. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

func runSetup(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Transport
	fmt.Fprintln(out, "\n--- Step 1: Messaging transport ---")
	defNum := "1"
	for i, t := range knownTransports {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, t.ID, t.Desc)
		if t.ID == cfg.Transport.Kind {
			defNum = fmt.Sprint(i + 1)
		}
	}
	fmt.Fprint(out, "Choose transport (1-"+fmt.Sprint(len(knownTransports))+")")
	choice, err := prompt(defNum)
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownTransports) {
		idx = 1
	}
	cfg.Transport.Kind = knownTransports[idx-1].ID
	if cfg.Transport.Kind == "telegram" {
		fmt.Fprint(out, "Telegram bot token (or ${TELEGRAM_BOT_TOKEN})")
		tok, err := prompt("${TELEGRAM_BOT_TOKEN}")
		if err != nil {
			return err
		}
		cfg.Transport.Telegram.Token = tok
	}
	fmt.Fprintf(out, "  Using transport: %s\n", cfg.Transport.Kind)

	// Step 2: Model
	fmt.Fprintln(out, "\n--- Step 2: Completion model ---")
	fmt.Fprint(out, "API base URL")
	base, err := prompt(cfg.Completion.APIBase)
	if err != nil {
		return err
	}
	cfg.Completion.APIBase = base
	fmt.Fprint(out, "Model")
	model, err := prompt(cfg.Completion.Model)
	if err != nil {
		return err
	}
	cfg.Completion.Model = model

	// Step 3: API key
	fmt.Fprintln(out, "\n--- Step 3: API key ---")
	fmt.Fprintf(out, "Paste a key, or keep the env reference and set %s in .env", config.APIKeyEnv)
	key, err := prompt("${" + config.APIKeyEnv + "}")
	if err != nil {
		return err
	}
	cfg.Completion.APIKey = key

	// Save
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'wagpt doctor', then 'wagpt' to start the relay.")
	return nil
}
