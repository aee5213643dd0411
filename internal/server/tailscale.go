// ABOUTME: Tailscale tsnet listeners for the admin servers
// ABOUTME: Joins the tailnet and exposes HTTP on :80 and gRPC health on :50051

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/iris/internal/config"
)

const (
	tailscaleHTTPPort = ":80"
	tailscaleGRPCPort = ":50051"
)

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (s *Server) warnIgnoredAddresses() {
	if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
		s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", s.config.Server.GRPCAddr,
			"http_addr", s.config.Server.HTTPAddr,
		)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "iris", "tailscale"), nil
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

// newTailnetNode prepares the state directory and returns an unstarted node.
func newTailnetNode(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	stateDir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}
	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}, nil
}

type tailnetListener interface {
	Listen(network, addr string) (net.Listener, error)
}

// listenTailnet opens the gRPC and HTTP ports on node. On failure nothing
// is left open.
func listenTailnet(node tailnetListener) (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = node.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = node.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// tailnetAddress picks the node's first tailnet IP and its MagicDNS name.
// Either may be empty.
func tailnetAddress(status *ipnstate.Status) (ip, dnsName string) {
	if status == nil {
		return "", ""
	}
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	return ip, dnsName
}

// setupTailscaleListeners joins the tailnet and returns listeners for gRPC and HTTP.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	cfg := s.config.Tailscale
	node, err := newTailnetNode(cfg)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("starting tailscale node", "hostname", cfg.Hostname, "state_dir", node.Dir, "ephemeral", cfg.Ephemeral)
	status, err := node.Up(ctx)
	if err == nil {
		grpcLn, httpLn, err = listenTailnet(node)
	} else {
		err = fmt.Errorf("starting tailscale: %w", err)
	}
	if err != nil {
		_ = node.Close()
		return nil, nil, err
	}
	s.tsnetServer = node

	ip, dnsName := tailnetAddress(status)
	if ip == "" {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	s.logger.Info("tailscale node ready", "hostname", cfg.Hostname, "tailscale_ip", ip, "dns_name", dnsName)
	return grpcLn, httpLn, nil
}
