// Command github-mcp serves GitHub tools over MCP. Credentials come from
// static configuration when present, otherwise from a per-session elicitation
// flow backed by a local token form or an external portal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joeshaw/envdecode"

	"github.com/tenantly/github-mcp/elicitations"
	"github.com/tenantly/github-mcp/internal/credential"
	"github.com/tenantly/github-mcp/internal/logctx"
	"github.com/tenantly/github-mcp/server"
)

type cliOptions struct {
	Transport       string `long:"transport" choice:"stdio" choice:"http" choice:"streamable-http" description:"MCP transport mode"`
	Host            string `long:"host" description:"bind address for the HTTP transport"`
	Port            int    `long:"port" description:"bind port for the HTTP transport"`
	AccessTokenFile string `long:"access-token-file" description:"path to a gho_ token file, watched for rotation"`
}

type envConfig struct {
	TransportMode   string        `env:"MCP_TRANSPORT_MODE,default=stdio"`
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"PORT,default=8000"`
	GitHubAPIURL    string        `env:"GITHUB_API_URL"`
	OAuthToken      string        `env:"GITHUB_OAUTH_TOKEN"`
	Insecure        bool          `env:"INSECURE,default=false"`
	ExternalPortal  string        `env:"EXTERNAL_PORTAL_URL"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"`
	PortalSecret    string        `env:"PORTAL_CALLBACK_SECRET"`
	ElicitationTTL  time.Duration `env:"ELICITATION_TTL,default=1h"`
	SweepInterval   time.Duration `env:"ELICITATION_SWEEP_INTERVAL,default=10m"`
	WaitTimeout     time.Duration `env:"ELICIT_WAIT_TIMEOUT,default=0s"`
	AccessTokenFile bool          `env:"ACCESS_TOKEN_FILE_ENABLED,default=false"`
}

const defaultAccessTokenPath = "access.token"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var opts cliOptions
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	var cfg envConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	// Flags take precedence over the environment.
	transport := cfg.TransportMode
	if opts.Transport != "" {
		transport = opts.Transport
	}
	if transport == "http" {
		transport = "streamable-http"
	}
	host := cfg.Host
	if opts.Host != "" {
		host = opts.Host
	}
	port := cfg.Port
	if opts.Port != 0 {
		port = opts.Port
	}
	tokenFilePath := opts.AccessTokenFile
	if tokenFilePath == "" && cfg.AccessTokenFile {
		tokenFilePath = defaultAccessTokenPath
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", port)
	}

	mgr := elicitations.NewManager(
		elicitations.WithLogger(log),
		elicitations.WithTTL(cfg.ElicitationTTL),
		elicitations.WithSweepInterval(cfg.SweepInterval),
		elicitations.WithPortalURL(cfg.ExternalPortal),
		elicitations.WithBaseURL(baseURL),
	)
	defer mgr.Close()

	resolverOpts := []credential.ResolverOption{
		credential.WithLogger(log),
		credential.WithStaticToken(cfg.OAuthToken),
		credential.WithInsecure(cfg.Insecure),
		credential.WithWaitTimeout(cfg.WaitTimeout),
	}
	if tokenFilePath != "" {
		tf, err := credential.NewTokenFile(tokenFilePath, log)
		if err != nil {
			return fmt.Errorf("watching token file %s: %w", tokenFilePath, err)
		}
		defer tf.Close()
		resolverOpts = append(resolverOpts, credential.WithTokenFile(tf))
	}
	resolver := credential.NewResolver(mgr, resolverOpts...)

	srv := server.New(mgr, resolver,
		server.WithLogger(log),
		server.WithAPIBaseURL(cfg.GitHubAPIURL),
		server.WithInsecure(cfg.Insecure),
		server.WithPortalSecret(cfg.PortalSecret),
	)

	switch transport {
	case "stdio":
		log.Info("main.start", slog.String("transport", "stdio"))
		return srv.RunStdio(ctx)
	case "streamable-http":
		return runHTTP(ctx, log, srv, host, port)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

func runHTTP(ctx context.Context, log *slog.Logger, srv *server.Server, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.HTTPHandler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("main.start", slog.String("transport", "streamable-http"), slog.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("main.shutdown")
		return httpSrv.Shutdown(shutdownCtx)
	}
}
