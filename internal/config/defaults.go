package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.wagpt",
			LogLevel: "info",
			DBPath:   "~/.wagpt/wagpt.db",
		},
		Transport: TransportConfig{
			Kind: "whatsapp",
			WhatsApp: WhatsAppConfig{
				StorePath: "~/.wagpt/auth.db",
			},
		},
		Completion: CompletionConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-3.5-turbo",
			TimeoutSeconds: 120,
			MaxRetries:     0,
		},
		Relay: RelayConfig{
			ReconnectDelayMs:      5000,
			ReconnectMaxDelayMs:   0,
			ReconnectMultiplier:   1,
			ReconnectMaxAttempts:  0,
			BatchPolicy:           "first",
			MaxConcurrentMessages: 5,
			DedupTTLMinutes:       60,
			PersistDedup:          true,
			ExitOnLogout:          false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}
