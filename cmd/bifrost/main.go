// Bifrost is a policy-enforcing gateway between an AI agent and a tool
// provider. It speaks the tool protocol on stdin/stdout, launches the
// real provider as a subprocess, evaluates every call against the
// configured wards and inscribes the outcome into the runechain.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mchahed99/heimdall-sub000/pkg/bus"
	"github.com/mchahed99/heimdall-sub000/pkg/config"
	"github.com/mchahed99/heimdall-sub000/pkg/keys"
	"github.com/mchahed99/heimdall-sub000/pkg/mcp"
	"github.com/mchahed99/heimdall-sub000/pkg/proxy"
	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/sink"
	"github.com/mchahed99/heimdall-sub000/pkg/storage"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

const keyName = "bifrost"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bifrost", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "bifrost.yaml", "path to the realm configuration")
	dataDir := fs.String("data-dir", defaultDataDir(), "directory for signing keys and the default chain database")
	dbPath := fs.String("db", "", "override the chain database path")
	verify := fs.Bool("verify", false, "walk the chain, print the verification result and exit")
	receiptSeq := fs.Uint64("receipt", 0, "export a signed receipt for the given sequence and exit")
	approve := fs.String("approve-drift", "", "promote the pending tool baseline for a server id and exit")
	dryRun := fs.Bool("dry-run", false, "downgrade HALT to forward-with-warning; runes still record HALT")
	listen := fs.String("listen", "", "serve the live event stream over websocket on this address")
	sessionID := fs.String("session", "", "session id recorded on runes (default: random)")
	agentID := fs.String("agent", "", "agent id recorded on runes")
	serverID := fs.String("server-id", "default", "provider id used for drift baselines")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bifrost [flags] -- <provider command> [args...]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	// stdout carries the agent-facing protocol; diagnostics go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, nil)))

	celPlugin, err := ward.NewCELPlugin()
	if err != nil {
		fmt.Fprintf(stderr, "Error: cel plugin: %v\n", err)
		return 2
	}
	plugins := map[string]ward.ConditionPlugin{"cel": celPlugin}

	cfg, err := config.Load(*configPath, plugins)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		fmt.Fprintf(stderr, "Error: data dir: %v\n", err)
		return 2
	}
	// A broken key pair degrades to an unsigned chain instead of refusing
	// to serve; runechain.Open logs the downgrade.
	signer, err := keys.LoadOrCreate(*dataDir, keyName)
	if err != nil {
		slog.Warn("signing key unavailable", "error", err)
		signer = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := openAdapter(cfg, *dataDir, *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: storage: %v\n", err)
		return 2
	}
	chain, err := runechain.Open(ctx, adapter, signer)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		_ = adapter.Close()
		return 2
	}

	// Standalone query modes operate on the chain and exit.
	switch {
	case *verify:
		return runVerify(ctx, chain, stdout, stderr)
	case *receiptSeq > 0:
		return runReceipt(ctx, chain, *receiptSeq, stdout, stderr)
	case *approve != "":
		return runApprove(ctx, chain, *approve, stdout, stderr)
	}

	providerArgs := fs.Args()
	if len(providerArgs) == 0 {
		fmt.Fprintln(stderr, "Error: no provider command; usage: bifrost [flags] -- <command> [args...]")
		_ = chain.Close()
		return 2
	}

	code := runProxy(ctx, cfg, chain, plugins, proxyParams{
		providerArgs: providerArgs,
		serverID:     *serverID,
		sessionID:    *sessionID,
		agentID:      *agentID,
		dryRun:       *dryRun,
		listen:       *listen,
	}, stderr)
	return code
}

type proxyParams struct {
	providerArgs []string
	serverID     string
	sessionID    string
	agentID      string
	dryRun       bool
	listen       string
}

func runProxy(ctx context.Context, cfg *config.BifrostConfig, chain *runechain.Chain, plugins map[string]ward.ConditionPlugin, p proxyParams, stderr io.Writer) int {
	compiled, err := ward.CompileWards(cfg.Wards, plugins)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		_ = chain.Close()
		return 2
	}
	engine := ward.NewEngine(compiled, cfg.Defaults.Action)

	recorder := wireRateLimit(cfg, chain, engine)

	sinks, err := buildSinks(ctx, cfg.Sinks, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		_ = chain.Close()
		return 2
	}

	events := bus.New()
	var streamSrv *http.Server
	if p.listen != "" {
		streamSrv = serveStream(events, p.listen)
	}

	provider, err := mcp.StartStdioClient(ctx, p.providerArgs[0], p.providerArgs[1:]...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		_ = sinks.Close()
		events.Close()
		_ = chain.Close()
		return 2
	}

	gw := proxy.New(proxy.Options{
		Provider:     provider,
		Engine:       engine,
		Chain:        chain,
		Bus:          events,
		Sinks:        sinks,
		Recorder:     recorder,
		ServerID:     p.serverID,
		SessionID:    p.sessionID,
		AgentID:      p.agentID,
		DriftAction:  cfg.Drift.Action,
		DriftMessage: cfg.Drift.Message,
		DryRun:       p.dryRun,
		AIEnabled:    cfg.AIAnalysis.Enabled,
		AIThreshold:  cfg.AIAnalysis.Threshold,
	})

	slog.Info("bifrost up",
		"realm", cfg.Realm,
		"session", gw.SessionID(),
		"wards", len(cfg.Wards),
		"provider", p.providerArgs[0],
		"dry_run", p.dryRun)

	srv := mcp.NewServer(gw, os.Stdout)
	err = srv.Serve(ctx, os.Stdin)

	if streamSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = streamSrv.Shutdown(shutCtx)
		cancel()
	}
	if closeErr := gw.Close(); closeErr != nil {
		slog.Warn("shutdown", "error", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runVerify(ctx context.Context, chain *runechain.Chain, stdout, stderr io.Writer) int {
	defer func() { _ = chain.Close() }()
	res, err := chain.Verify(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	printJSON(stdout, res)
	if !res.Valid {
		return 1
	}
	return 0
}

func runReceipt(ctx context.Context, chain *runechain.Chain, seq uint64, stdout, stderr io.Writer) int {
	defer func() { _ = chain.Close() }()
	receipt, err := chain.ExportReceipt(ctx, seq)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	printJSON(stdout, receipt)
	return 0
}

func runApprove(ctx context.Context, chain *runechain.Chain, serverID string, stdout, stderr io.Writer) int {
	defer func() { _ = chain.Close() }()
	promoted, err := chain.Adapter().ApprovePending(ctx, serverID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !promoted {
		fmt.Fprintf(stderr, "No pending baseline for server %q\n", serverID)
		return 1
	}
	fmt.Fprintf(stdout, "Baseline for server %q approved\n", serverID)
	return 0
}

// wireRateLimit picks the provider backing max_calls_per_minute and, for
// backends with their own recorder, the recorder the proxy feeds before
// each evaluation. The chain backend counts inscribed runes directly, so
// it needs no recorder.
func wireRateLimit(cfg *config.BifrostConfig, chain *runechain.Chain, engine *ward.Engine) proxy.CallRecorder {
	switch cfg.RateLimit.Backend {
	case config.RateLimitChain:
		engine.SetRateLimitProvider(chain.RateLimitProvider())
		return nil
	case config.RateLimitRedis:
		limiter := ward.NewRedisRateLimiter(cfg.RateLimit.Addr, "", 0)
		engine.SetRateLimitProvider(limiter.Provider())
		return limiter
	default:
		limiter := ward.NewMemoryRateLimiter()
		engine.SetRateLimitProvider(limiter.Provider())
		return limiter
	}
}

func openAdapter(cfg *config.BifrostConfig, dataDir, override string) (runechain.Adapter, error) {
	if cfg.Storage.Adapter == config.StorageMemory {
		return storage.NewMemoryAdapter(), nil
	}
	path := cfg.Storage.Path
	if override != "" {
		path = override
	}
	if path == "" {
		path = filepath.Join(dataDir, "runechain.db")
	}
	return storage.OpenSQLite(path)
}

func buildSinks(ctx context.Context, cfgs []config.SinkConfig, stderr io.Writer) (*sink.Fanout, error) {
	fan := sink.NewFanout()
	for _, sc := range cfgs {
		var (
			s   sink.Sink
			err error
		)
		switch sc.Type {
		case config.SinkStdout:
			// The protocol owns stdout, so audit lines go to stderr.
			s = sink.NewWriterSink(stderr)
		case config.SinkWebhook:
			s, err = sink.NewWebhookSink(sink.WebhookConfig{
				URL:           sc.URL,
				Headers:       sc.Headers,
				Timeout:       time.Duration(sc.TimeoutMs) * time.Millisecond,
				RatePerSecond: sc.RatePerSecond,
				Burst:         sc.Burst,
			})
		case config.SinkOTLP:
			s, err = sink.NewOTLPSink(ctx, sink.OTLPConfig{
				Endpoint:       sc.Endpoint,
				Insecure:       sc.Insecure,
				ServiceName:    sc.ServiceName,
				ServiceVersion: sc.ServiceVersion,
			})
		default:
			err = fmt.Errorf("unknown sink type %q", sc.Type)
		}
		if err != nil {
			_ = fan.Close()
			return nil, fmt.Errorf("sink %s: %w", sc.Type, err)
		}
		fan.Add(sink.Route{Sink: s, Decisions: sc.Events})
	}
	return fan, nil
}

func serveStream(events *bus.Bus, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/stream", bus.StreamHandler(events))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("event stream listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("event stream server", "error", err)
		}
	}()
	return srv
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bifrost"
	}
	return filepath.Join(home, ".bifrost")
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
