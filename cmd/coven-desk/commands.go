// ABOUTME: init, token, health and agents subcommands
// ABOUTME: health and agents talk to a running server over its HTTP API

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
)

// runInit writes the starter config with a freshly generated JWT secret.
func runInit(args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	output := flags.StringP("output", "o", getConfigPath(), "config file to write")
	force := flags.BoolP("force", "f", false, "overwrite an existing file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*output); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *output)
	}

	content, err := starterConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(*output, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", *output)
	fmt.Println()
	fmt.Println("  Edit the agents and gateway sections, then:")
	fmt.Println("    coven-desk serve")
	fmt.Println()
	return nil
}

// starterConfig is config.Starter with a random jwt_secret filled in.
func starterConfig() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret)
	return strings.Replace(config.Starter, "${COVEN_DESK_JWT_SECRET}", encoded, 1), nil
}

type tokenOptions struct {
	user  string
	name  string
	email string
	admin bool
	ttl   time.Duration
}

func parseTokenFlags(args []string) (tokenOptions, error) {
	var opts tokenOptions
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flags.StringVar(&opts.user, "user", "", "user ID (token subject)")
	flags.StringVar(&opts.name, "name", "", "display name")
	flags.StringVar(&opts.email, "email", "", "email address")
	flags.BoolVar(&opts.admin, "admin", false, "grant the admin role")
	flags.DurationVar(&opts.ttl, "ttl", 30*24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}

	opts.user = strings.TrimSpace(opts.user)
	if opts.user == "" {
		return opts, errors.New("--user is required")
	}
	if opts.ttl <= 0 {
		return opts, errors.New("--ttl must be positive")
	}
	return opts, nil
}

// mintToken signs a token for opts with secret.
func mintToken(secret string, opts tokenOptions) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}

	id := auth.Identity{UserID: opts.user, Name: opts.name, Email: opts.email}
	if opts.admin {
		id.Roles = []string{auth.RoleAdmin}
	}
	return verifier.Generate(id, opts.ttl)
}

func runToken(args []string) error {
	opts, err := parseTokenFlags(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	token, err := mintToken(cfg.Auth.JWTSecret, opts)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// baseURL is where a local CLI reaches the running server.
func baseURL(cfg *config.Config) string {
	if env := os.Getenv("COVEN_DESK_URL"); env != "" {
		return strings.TrimSuffix(env, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("ready")
	return nil
}

type agentRow struct {
	Handle         string  `json:"handle"`
	DisplayName    string  `json:"display_name"`
	Active         bool    `json:"active"`
	Available      bool    `json:"available"`
	CurrentSession string  `json:"current_session"`
	TotalHandled   int64   `json:"total_handled"`
	Rating         float64 `json:"rating"`
}

func runAgents(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("agents", pflag.ContinueOnError)
	token := flags.String("token", os.Getenv("COVEN_DESK_TOKEN"), "admin bearer token")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/api/agents", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	} else if cfg.Auth.JWTSecret == "" {
		req.Header.Set(auth.HeaderUserID, "coven-desk-cli")
		req.Header.Set(auth.HeaderUserRoles, auth.RoleAdmin)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing agents: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Agents []agentRow `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return printAgents(os.Stdout, out.Agents)
}

func printAgents(w io.Writer, agents []agentRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tSTATE\tSESSION\tHANDLED\tRATING")
	for _, a := range agents {
		state := "available"
		switch {
		case !a.Active:
			state = "inactive"
		case !a.Available:
			state = "busy"
		}
		session := a.CurrentSession
		if session == "" {
			session = "-"
		}
		rating := "-"
		if a.Rating > 0 {
			rating = fmt.Sprintf("%.1f", a.Rating)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", a.Handle, a.DisplayName, state, session, a.TotalHandled, rating)
	}
	return tw.Flush()
}
