// ABOUTME: Entry point for the iris chat bot
// ABOUTME: Dispatches serve, init, token and admin API subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/iris/internal/config"
	"github.com/2389/iris/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _      _
 (_)_ __(_)___
 | | '__| / __|
 | | |  | \__ \
 |_|_|  |_|___/
`

// getDataPath returns the path to the iris data directory.
// Priority: XDG_DATA_HOME/iris > ~/.local/share/iris
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "iris")
}

func usage() {
	fmt.Println("Usage: iris <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the bot and admin server")
	fmt.Println("  init                         Create a new config file interactively")
	fmt.Println("  token --subject NAME         Issue an admin API token")
	fmt.Println("  health                       Check server health")
	fmt.Println("  models [--free]              List catalog models")
	fmt.Println("  usage [--days N]             Show token usage")
	fmt.Println("  check MODEL                  Check whether a model accepts system prompts")
	fmt.Println("  version                      Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "models":
		err = runModels(ctx, args)
	case "usage":
		err = runUsage(ctx, args)
	case "check":
		err = runCheck(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s (%s)\n", cfg.Provider.Backend, cfg.Provider.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.Bot.DefaultModel)
	green.Print("    ▶ ")
	if cfg.Matrix.Enabled {
		fmt.Printf("Matrix:    %s as %s", cfg.Matrix.Homeserver, cfg.Matrix.UserID)
		if cfg.Matrix.Encryption.Enabled {
			gray.Print(" (e2ee)")
		}
		fmt.Println()
	} else {
		fmt.Print("Matrix:    ")
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
		if cfg.Server.GRPCAddr != "" {
			green.Print("    ▶ ")
			fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		}
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API has no jwt_secret; anyone who can reach it can change settings")
	}

	fmt.Println()

	logger.Info("starting iris",
		"config", configPath,
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
