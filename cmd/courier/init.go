package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initOutput  string
	initDataDir string
	initAPIKey  string
	initSandbox bool
	initRedis   string
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter configuration file",
	Long: `Create a configuration file with every section and its defaults.

Examples:
  # Sandbox setup: deliveries are logged, nothing leaves the host
  courier init --sandbox -o courier.yaml

  # Production skeleton with pending actions in Redis
  courier init --data-dir /var/lib/courier --redis redis://localhost:6379/0`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/courier", "Data directory for the engine and records databases")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initSandbox, "sandbox", false, "Log deliveries instead of sending them")
	initCmd.Flags().StringVar(&initRedis, "redis", "", "Redis URL for pending actions (default: engine database)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("Generated API key: %s\n", initAPIKey)
	}

	if err := os.MkdirAll(filepath.Dir(initOutput), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n\n", initOutput)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Fill in channel credentials in %s\n", initOutput)
	fmt.Printf("  2. courier records migrate -c %s\n", initOutput)
	fmt.Printf("  3. courier serve -c %s\n", initOutput)
	return nil
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	pending := "  backend: bolt"
	if initRedis != "" {
		pending = fmt.Sprintf("  backend: redis\n  redis_url: %q", initRedis)
	}

	return fmt.Sprintf(`# Courier configuration
# Generated by: courier init
# ${VAR} references are expanded from the environment and the .env file

engine:
  path: "%[1]s/engine.db"
  claim_timeout: 30m
  reaper_interval: 5m

campaign:
  workers: 4
  send_timeout: 2m

series:
  max_attempts: 3
  retry_delay: 1h

pollers:
  campaigns:   { interval: 1m,  concurrency: 2 }
  templates:   { interval: 1m,  concurrency: 2 }
  automations: { interval: 15m, concurrency: 4 }
  series:      { interval: 15m, concurrency: 4 }
  broadcasts:  { interval: 1m,  concurrency: 1 }

channels:
  sandbox: %[2]t
  email:
    host: ""
    port: 587
    username: ""
    password: "${COURIER_SMTP_PASSWORD}"
    from: ""
    tls_mode: starttls
    dkim:
      enabled: false
      selector: courier
      domain: ""
      key_file: "%[1]s/dkim.key"
  twilio:
    account_sid: ""
    auth_token: "${TWILIO_AUTH_TOKEN}"
    from: ""
  telegram:
    token: "${TELEGRAM_BOT_TOKEN}"

rate_limit:
  enabled: false
  channels:
    sms:
      per_second: 1
      burst: 5
      messages_per_day: 1000

records:
  driver: sqlite3
  dsn: "%[1]s/records.db"
  auto_migrate: true

pending:
%[3]s
  ttl: 5m

notify:
  backend: log

personalize:
  mode: template

api:
  enabled: true
  listen_addr: ":8080"
  api_key: %[4]q

metrics:
  enabled: false
  listen_addr: ":9090"

logging:
  level: info
  format: text
`, initDataDir, initSandbox, pending, initAPIKey)
}
