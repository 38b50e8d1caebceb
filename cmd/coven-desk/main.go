// ABOUTME: Entry point for coven-desk, the live-chat desk that routes users to agents
// ABOUTME: Subcommands serve the desk, write a starter config, mint tokens and query a running server

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        _           _
  ___ _____   _____ _ __            __| | ___  ___| | __
 / __/ _ \ \ / / _ \ '_ \ _____    / _' |/ _ \/ __| |/ /
| (_| (_) \ V /  __/ | | |_____|  | (_| |  __/\__ \   <
 \___\___/ \_/ \___|_| |_|         \__,_|\___||___/_|\_\
`

// getConfigPath returns the path to the desk config file.
// Priority: COVEN_DESK_CONFIG env var > XDG_CONFIG_HOME/coven/desk.yaml > ~/.config/coven/desk.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DESK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "desk.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "desk.yaml")
}

func usage() {
	fmt.Println("Usage: coven-desk <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the desk server")
	fmt.Println("  init                        Write a starter config file")
	fmt.Println("  token --user ID [--admin]   Mint a user token with the configured secret")
	fmt.Println("  health                      Check server health")
	fmt.Println("  agents                      List agents (requires an admin token)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine; the shell environment still applies.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, os.Args[2:])
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
	configPath := getConfigPath()

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
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s", cfg.Gateway.Provider)
	if cfg.Gateway.Matrix.Homeserver != "" {
		gray.Printf(" (%s)", cfg.Gateway.Matrix.Homeserver)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d configured\n", len(cfg.Agents))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: identities are read from X-User-* headers")
	}

	fmt.Println()

	logger.Info("starting coven-desk",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"gateway", cfg.Gateway.Provider,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// SIGHUP re-reads the config file and rebuilds the gateway adapter.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := config.Load(configPath)
				if err != nil {
					logger.Error("reload failed, keeping current configuration", "error", err)
					continue
				}
				if err := srv.Reload(ctx, next); err != nil {
					logger.Error("reload incomplete", "error", err)
					continue
				}
				logger.Info("configuration reloaded", "gateway", next.Gateway.Provider)
			}
		}
	}()

	return srv.Run(ctx)
}
