// ABOUTME: Tailscale tsnet listeners so the desk can be served privately on a tailnet
// ABOUTME: HTTP is served on :80 (or :443 with tailnet certs) and gRPC health on :50051

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

const tailnetGRPCPort = ":50051"

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-desk", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners brings up a tsnet node and listens on it.
func (s *Server) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = s.tailnetHTTPListener(tsCfg.HTTPS)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, err
	}

	if s.grpcServer != nil {
		grpcLn, err = s.tsnetServer.Listen("tcp", tailnetGRPCPort)
		if err != nil {
			_ = httpLn.Close()
			_ = s.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// tailnetHTTPListener listens on :80, or on :443 with certificates provisioned by the tailnet.
func (s *Server) tailnetHTTPListener(useTLS bool) (net.Listener, error) {
	if !useTLS {
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
