// ABOUTME: Setup subcommands: interactive config creation and admin token issuance
// ABOUTME: init writes iris.yaml with a random jwt_secret; token signs a bearer token

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/iris/internal/auth"
	"github.com/2389/iris/internal/config"
)

// defaultTokenTTL is the lifetime of tokens issued by "iris token".
const defaultTokenTTL = 30 * 24 * time.Hour

// tokenPath is where CLI subcommands look for the admin token.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

// initAnswers collects what runInit asks for.
type initAnswers struct {
	APIKey       string
	Backend      string
	DefaultModel string
	Admins       []string

	MatrixEnabled bool
	Homeserver    string
	UserID        string
	AccessToken   string
	Encryption    bool

	HTTPAddr string
	DBPath   string
	Secret   string

	LogLevel  string
	LogFormat string
}

// renderConfig produces the YAML written by runInit.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# iris configuration\n")
	cfg.WriteString("# Generated by iris init\n\n")

	cfg.WriteString("bot:\n")
	cfg.WriteString(fmt.Sprintf("  default_model: %q\n", a.DefaultModel))
	if len(a.Admins) > 0 {
		cfg.WriteString("  admins:\n")
		for _, admin := range a.Admins {
			cfg.WriteString(fmt.Sprintf("    - %q\n", admin))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", a.Backend))
	cfg.WriteString(fmt.Sprintf("  api_key: %q\n", a.APIKey))
	cfg.WriteString("  timeout: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("matrix:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.MatrixEnabled))
	if a.MatrixEnabled {
		cfg.WriteString(fmt.Sprintf("  homeserver: %q\n", a.Homeserver))
		cfg.WriteString(fmt.Sprintf("  user_id: %q\n", a.UserID))
		cfg.WriteString(fmt.Sprintf("  access_token: %q\n", a.AccessToken))
		cfg.WriteString("  encryption:\n")
		cfg.WriteString(fmt.Sprintf("    enabled: %t\n", a.Encryption))
	}
	cfg.WriteString("\n")

	cfg.WriteString("cache:\n")
	cfg.WriteString("  catalog_ttl: \"24h\"\n")
	cfg.WriteString("  max_conversations: 10000\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.Secret))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("iris configuration setup")
	fmt.Println("========================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "iris.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Provider ---")
	a.Backend = prompt(reader, "Backend (openrouter/eino)", config.BackendOpenRouter)
	a.APIKey = prompt(reader, "API key", "${OPENROUTER_API_KEY}")
	a.DefaultModel = prompt(reader, "Default model", config.DefaultModel)

	fmt.Println("\n--- Matrix ---")
	a.MatrixEnabled = isYes(prompt(reader, "Enable Matrix?", "yes"))
	if a.MatrixEnabled {
		a.Homeserver = prompt(reader, "Homeserver URL", "https://matrix.org")
		a.UserID = prompt(reader, "Bot user id", "@iris:matrix.org")
		a.AccessToken = prompt(reader, "Access token", "${MATRIX_ACCESS_TOKEN}")
		a.Encryption = isYes(prompt(reader, "Enable end-to-end encryption?", "no"))
		if admin := prompt(reader, "Admin user id (blank for none)", ""); admin != "" {
			a.Admins = []string{admin}
		}
	}

	fmt.Println("\n--- Server ---")
	a.HTTPAddr = prompt(reader, "Admin HTTP address", config.DefaultHTTPAddr)
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	a.Secret = secret

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  iris token --subject you   # issue an admin API token")
	fmt.Println("  iris serve                 # start the bot")

	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "Operator name recorded in the audit log")
	ttl := fs.Duration("ttl", defaultTokenTTL, "Token lifetime (0 for no expiry)")
	printOnly := fs.Bool("print", false, "Print the token instead of saving it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return fmt.Errorf("--subject is required")
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *printOnly {
		fmt.Println(token)
		return nil
	}

	path := tokenPath(configPath)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token for %s: %s", name, path)
	if *ttl > 0 {
		fmt.Printf(" (expires %s)", time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	}
	fmt.Println()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
