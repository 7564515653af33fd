// Package server assembles the MCP surface: the tool registry, the
// streamable HTTP handler sharing a mux with the token collection web flow,
// and the stdio transport for subprocess use.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tenantly/github-mcp/elicitations"
	"github.com/tenantly/github-mcp/internal/credential"
	"github.com/tenantly/github-mcp/internal/githubapi"
	"github.com/tenantly/github-mcp/internal/webflow"
)

const (
	serverName    = "github-mcp"
	serverVersion = "0.1.0"
)

// Server ties the elicitation manager, the credential policy and the GitHub
// client factory to a set of MCP tools.
type Server struct {
	log      *slog.Logger
	mgr      *elicitations.Manager
	resolver *credential.Resolver

	apiBaseURL   string
	insecure     bool
	portalSecret string
	verify       webflow.TokenVerifier

	mcpServer *mcp.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAPIBaseURL points the GitHub clients at a non-default API endpoint.
func WithAPIBaseURL(u string) Option {
	return func(s *Server) {
		if u != "" {
			s.apiBaseURL = u
		}
	}
}

// WithInsecure enables relaxed-trust behavior on the web flow and makes
// tokenless credentials usable by the GitHub clients.
func WithInsecure(insecure bool) Option {
	return func(s *Server) { s.insecure = insecure }
}

// WithPortalSecret requires signed portal callbacks.
func WithPortalSecret(secret string) Option {
	return func(s *Server) { s.portalSecret = secret }
}

// WithTokenVerifier overrides how submitted tokens are checked. Tests use
// this to avoid reaching the real GitHub API.
func WithTokenVerifier(v webflow.TokenVerifier) Option {
	return func(s *Server) { s.verify = v }
}

// New builds the Server and registers its tools.
func New(mgr *elicitations.Manager, resolver *credential.Resolver, opts ...Option) *Server {
	s := &Server{
		log:      slog.Default(),
		mgr:      mgr,
		resolver: resolver,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.verify == nil {
		s.verify = s.validateAgainstGitHub
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registerTools()
	return s
}

// validateAgainstGitHub is the production token verifier: a throwaway client
// carrying the candidate token asks the identity endpoint who it belongs to.
func (s *Server) validateAgainstGitHub(ctx context.Context, token string) (*githubapi.User, error) {
	opts := []githubapi.Option{githubapi.WithToken(token), githubapi.WithLogger(s.log)}
	if s.apiBaseURL != "" {
		opts = append(opts, githubapi.WithBaseURL(s.apiBaseURL))
	}
	return githubapi.New(opts...).ValidateToken(ctx)
}

// githubClient builds an API client for a resolved credential. A tokenless
// credential sends no Authorization header; the trusted gateway in front of
// the API injects the real one.
func (s *Server) githubClient(cred credential.Credential) *githubapi.Client {
	opts := []githubapi.Option{githubapi.WithLogger(s.log)}
	if s.apiBaseURL != "" {
		opts = append(opts, githubapi.WithBaseURL(s.apiBaseURL))
	}
	if cred.Tokenless {
		opts = append(opts, githubapi.WithInsecure())
	} else {
		opts = append(opts, githubapi.WithToken(cred.Token))
	}
	return githubapi.New(opts...)
}

// HTTPHandler returns the streamable HTTP surface with the web flow routes
// mounted alongside the MCP endpoint.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	mux.Handle("/mcp", streamable)
	mux.Handle("/", streamable)

	flowOpts := []webflow.HandlerOption{
		webflow.WithLogger(s.log),
		webflow.WithInsecure(s.insecure),
		webflow.WithPortalSecret(s.portalSecret),
	}
	webflow.NewHandler(s.mgr, s.verify, flowOpts...).Register(mux)

	return mux
}

// RunStdio serves a single MCP session over stdin/stdout and blocks until
// the peer disconnects or the context is cancelled.
func (s *Server) RunStdio(ctx context.Context) error {
	session, err := s.mcpServer.Connect(ctx, &mcp.StdioTransport{}, nil)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "server.stdio.start")
	return session.Wait()
}
