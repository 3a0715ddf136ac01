// Command tunnel is a peer-to-peer port-forwarding daemon: it exposes
// local TCP/UDP ports by advertising identity-derived public keys on a
// DHT, or forwards a local port to a peer that has, through an
// end-to-end encrypted overlay stream that traverses NATs via
// hole-punching.
//
// Usage:
//
//	tunnel keygen                       # print a fresh random secret
//	tunnel pubkey --secret <b64>        # print the derived RootPublicKey
//	tunnel run --config path            # start every forward in a config file
//	tunnel serve-metrics --config path  # same as run, plus a /metrics endpoint
//	tunnel qrcode --config path --secret <b64>  # render a pairing QR code
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/merlos/tunnel/internal/config"
	"github.com/merlos/tunnel/internal/crypto"
	"github.com/merlos/tunnel/internal/keys"
	"github.com/merlos/tunnel/internal/manager"
	"github.com/merlos/tunnel/internal/metrics"
	"github.com/merlos/tunnel/internal/overlay"
	"github.com/merlos/tunnel/internal/qr"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "tunnel",
		Short: "Peer-to-peer port-forwarding tunnel",
		Long: `tunnel exposes and dials TCP/UDP ports across an end-to-end encrypted,
NAT-traversing overlay, addressed by keys derived from a shared secret
rather than by a reachable IP address.`,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newKeygenCmd(),
		newPubkeyCmd(),
		newRunCmd(),
		newServeMetricsCmd(),
		newQRCodeCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a slog.Logger at the configured level, text-handler
// to stderr.
func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(logLevel),
	}))
}

// ────────────────────────────────────────────────────────────────────────────
// tunnel keygen
// ────────────────────────────────────────────────────────────────────────────

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh random secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := crypto.GenerateSecret()
			if err != nil {
				return fmt.Errorf("generating secret: %w", err)
			}
			fmt.Println(crypto.EncodeKey(secret))
			return nil
		},
	}
}

// ────────────────────────────────────────────────────────────────────────────
// tunnel pubkey --secret <b64> [--proto --port]
// ────────────────────────────────────────────────────────────────────────────

func newPubkeyCmd() *cobra.Command {
	var (
		secretB64 string
		proto     string
		port      uint16
	)

	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the RootPublicKey (and optionally a sub-public-key) for a secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPubkey(secretB64, proto, port)
		},
	}

	cmd.Flags().StringVar(&secretB64, "secret", "", "base64-encoded secret (required)")
	cmd.Flags().StringVar(&proto, "proto", "", "optional: proto (tcp, udp, tcpudp) to also print a sub-public-key")
	cmd.Flags().Uint16Var(&port, "port", 0, "optional: port to also print a sub-public-key")
	_ = cmd.MarkFlagRequired("secret")

	return cmd
}

func runPubkey(secretB64, proto string, port uint16) error {
	secret, err := crypto.DecodeKey(secretB64)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}

	root, err := keys.DeriveRoot(secret)
	if err != nil {
		return fmt.Errorf("deriving root keypair: %w", err)
	}

	fmt.Printf("RootPublicKey: %s\n", keys.Base58PublicKey(root.Public))

	if proto == "" {
		return nil
	}
	if port == 0 {
		return fmt.Errorf("--port is required alongside --proto")
	}

	sub, err := keys.DeriveSub(root, keys.Proto(proto), port)
	if err != nil {
		return fmt.Errorf("deriving sub-keypair: %w", err)
	}
	fmt.Printf("SubPublicKey(%s,%d): %s\n", proto, port, keys.Base58PublicKey(sub.Public))
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// tunnel qrcode --config path --secret <b64> [--output path]
// ────────────────────────────────────────────────────────────────────────────

func newQRCodeCmd() *cobra.Command {
	var (
		configPath string
		secretB64  string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "qrcode",
		Short: "Render a pairing QR code for one secret's server forwards",
		Long: `qrcode loads the config file's server forwards that share --secret,
derives the base58 RootPublicKey, and encodes it plus every exposed
(proto, port) pair as a QR code a client can scan instead of retyping
the key by hand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQRCode(configPath, secretB64, outputPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path (required)")
	cmd.Flags().StringVar(&secretB64, "secret", "", "base64-encoded secret whose server forwards to encode (required)")
	cmd.Flags().StringVar(&outputPath, "output", "", "PNG file path; prints ASCII art to stdout if empty")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("secret")

	return cmd
}

func runQRCode(configPath, secretB64, outputPath string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	secret, err := crypto.DecodeKey(secretB64)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}
	root, err := keys.DeriveRoot(secret)
	if err != nil {
		return fmt.Errorf("deriving root keypair: %w", err)
	}

	profile := &qr.Profile{PeerPublicKey: keys.Base58PublicKey(root.Public)}
	for _, spec := range doc.Forwards {
		if spec.Role != config.RoleServer || spec.Secret != secretB64 {
			continue
		}
		profile.Forwards = append(profile.Forwards, qr.ForwardEntry{
			Proto: string(spec.Proto),
			Port:  spec.RemotePort,
		})
	}
	if len(profile.Forwards) == 0 {
		return fmt.Errorf("no server forwards in %s match --secret", configPath)
	}

	return qr.Generate(profile, &qr.GenerateOptions{OutputPath: outputPath})
}

// ────────────────────────────────────────────────────────────────────────────
// tunnel run / tunnel serve-metrics
// ────────────────────────────────────────────────────────────────────────────

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every forward listed in a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, false)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newServeMetricsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Like run, but also exposes a Prometheus /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, true)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// runDaemon loads cfg, brings up the shared overlay node, starts every
// forward through the Forward Manager, prints the startup
// announcements, then blocks until signalled.
func runDaemon(configPath string, withMetrics bool) error {
	log := newLogger()

	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if withMetrics && doc.Metrics.Listen != "" {
		srv := startMetricsServer(registry, doc.Metrics, log)
		defer srv.Close()
	}

	node, err := bringUpNode(ctx, doc, log)
	if err != nil {
		return fmt.Errorf("starting overlay node: %w", err)
	}
	defer node.Close()

	mgr := manager.New(node, log, collector)
	if err := mgr.Start(ctx, doc.Forwards); err != nil {
		return fmt.Errorf("starting forwards: %w", err)
	}

	printAnnouncements(mgr.Summary())

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), manager.ShutdownGrace+time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown did not complete cleanly", "error", err)
	}
	return nil
}

// bringUpNode brings up the single shared overlay.Node every forward in
// doc multiplexes behind. It runs in ModeServer whenever the document
// has at least one server forward, since those need to be discoverable
// by other peers' DHT queries.
func bringUpNode(ctx context.Context, doc *config.Document, log *slog.Logger) (*overlay.Node, error) {
	_, identity, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating node identity: %w", err)
	}

	bootstrap, err := parseBootstrap(doc.Bootstrap)
	if err != nil {
		return nil, err
	}

	mode := overlay.ModeClient
	for _, spec := range doc.Forwards {
		if spec.Role == config.RoleServer {
			mode = overlay.ModeServer
			break
		}
	}

	return overlay.New(ctx, overlay.Options{
		Identity:    identity,
		ListenAddrs: doc.ListenAddrs,
		Bootstrap:   bootstrap,
		Mode:        mode,
		Log:         log,
	})
}

// parseBootstrap turns the config's bootstrap multiaddr strings (each
// including a /p2p/<peer-id> suffix) into peer.AddrInfo values.
func parseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("parsing bootstrap addr %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("parsing bootstrap addr %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// printAnnouncements prints the spec.md §6 "human-readable line" for
// every server forward the manager started: a base58 RootPublicKey and
// a client-command template.
func printAnnouncements(announcements []manager.Announcement) {
	for _, a := range announcements {
		fmt.Printf("RootPublicKey: %s\n", a.PublicKey)
		fmt.Printf("  %s\n", a.Command)
	}
}

// startMetricsServer exposes /metrics over HTTP on doc.Metrics.Listen.
// A bind failure is logged but does not stop the forwards themselves
// from starting, matching spec.md's ambient-not-core treatment of
// observability.
func startMetricsServer(registry *prometheus.Registry, cfg config.MetricsConfig, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	return srv
}
