package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tenantly/github-mcp/elicitations"
	"github.com/tenantly/github-mcp/internal/credential"
	"github.com/tenantly/github-mcp/internal/githubapi"
	"github.com/tenantly/github-mcp/internal/logctx"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "echo",
		Description: "Echo a message back. Useful for checking connectivity.",
	}, s.handleEcho)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_private_repos",
		Description: "List private GitHub repositories for the authenticated user or an organization. Prompts for a GitHub token if the session has no credential yet.",
	}, s.handleListPrivateRepos)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_repository",
		Description: "Fetch details for a single GitHub repository.",
	}, s.handleGetRepository)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "github_logout",
		Description: "Forget this session's GitHub authorization.",
	}, s.handleLogout)
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"the text to echo back"`
}

func (s *Server) handleEcho(ctx context.Context, req *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
	return textResult(args.Message), nil, nil
}

type listPrivateReposArgs struct {
	Owner string `json:"owner,omitempty" jsonschema:"organization login to list repositories for; omit for the authenticated user"`
}

type repoSummary struct {
	FullName    string `json:"full_name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
}

type repoListResult struct {
	Count int           `json:"count"`
	Repos []repoSummary `json:"repos"`
}

func (s *Server) handleListPrivateRepos(ctx context.Context, req *mcp.CallToolRequest, args listPrivateReposArgs) (*mcp.CallToolResult, any, error) {
	ctx = toolCtx(ctx, req, "list_private_repos")

	cred, pending, errRes := s.resolveCredential(ctx, req)
	if errRes != nil {
		return errRes, nil, nil
	}
	if pending != nil {
		return pendingResult(pending), pending, nil
	}

	client := s.githubClient(cred)
	var (
		repos []githubapi.Repository
		err   error
	)
	if args.Owner == "" {
		repos, err = client.ListRepositories(ctx, "private", "updated")
	} else {
		repos, err = client.ListOrgRepositories(ctx, args.Owner, "private")
	}
	if err != nil {
		return apiErrorResult(err), nil, nil
	}

	out := repoListResult{Count: len(repos), Repos: make([]repoSummary, 0, len(repos))}
	for _, r := range repos {
		out.Repos = append(out.Repos, repoSummary{
			FullName:    r.FullName,
			Description: r.Description,
			URL:         r.HTMLURL,
		})
	}
	return textResult(fmt.Sprintf("%d private repositories", out.Count)), out, nil
}

type getRepositoryArgs struct {
	Owner string `json:"owner" jsonschema:"repository owner login"`
	Repo  string `json:"repo" jsonschema:"repository name"`
}

func (s *Server) handleGetRepository(ctx context.Context, req *mcp.CallToolRequest, args getRepositoryArgs) (*mcp.CallToolResult, any, error) {
	ctx = toolCtx(ctx, req, "get_repository")

	if args.Owner == "" || args.Repo == "" {
		return toolError("owner and repo are required"), nil, nil
	}

	cred, pending, errRes := s.resolveCredential(ctx, req)
	if errRes != nil {
		return errRes, nil, nil
	}
	if pending != nil {
		return pendingResult(pending), pending, nil
	}

	repo, err := s.githubClient(cred).GetRepository(ctx, args.Owner, args.Repo)
	if err != nil {
		return apiErrorResult(err), nil, nil
	}
	return textResult(repo.FullName), repo, nil
}

type logoutArgs struct{}

func (s *Server) handleLogout(ctx context.Context, req *mcp.CallToolRequest, args logoutArgs) (*mcp.CallToolResult, any, error) {
	ctx = toolCtx(ctx, req, "github_logout")

	sessionID := req.Session.ID()
	s.mgr.ClearAuthenticated(sessionID, credential.ServiceGitHub)
	s.log.InfoContext(ctx, "tool.logout")
	return textResult("GitHub authorization cleared for this session"), nil, nil
}

// pendingPayload is what a tool returns while a credential elicitation is
// outstanding. The caller retries the tool once the user has acted on the
// URL.
type pendingPayload struct {
	Status        string `json:"status"`
	ElicitationID string `json:"elicitation_id"`
	URL           string `json:"url"`
	Message       string `json:"message"`
}

// resolveCredential runs the credential policy for the calling session. A
// non-nil pendingPayload means the call should surface the elicitation to
// the user instead of touching the API; a non-nil CallToolResult is a
// terminal domain failure.
func (s *Server) resolveCredential(ctx context.Context, req *mcp.CallToolRequest) (credential.Credential, *pendingPayload, *mcp.CallToolResult) {
	sessionID := req.Session.ID()

	progressToken, notify := s.progressNotifier(ctx, req)
	cred, err := s.resolver.Resolve(ctx, sessionID, progressToken, notify)
	if err == nil {
		return cred, nil, nil
	}

	var pe *credential.PendingError
	switch {
	case errors.As(err, &pe):
		return credential.Credential{}, &pendingPayload{
			Status:        "pending",
			ElicitationID: pe.ElicitationID,
			URL:           pe.URL,
			Message:       "GitHub authorization required. Open the URL, provide a token, then retry this tool.",
		}, nil
	case errors.Is(err, credential.ErrDeclined),
		errors.Is(err, credential.ErrCancelled),
		errors.Is(err, credential.ErrNoCredential):
		return credential.Credential{}, nil, toolError(err.Error())
	default:
		s.log.ErrorContext(ctx, "tool.credential.err", slog.String("err", err.Error()))
		return credential.Credential{}, nil, toolError("credential resolution failed: " + err.Error())
	}
}

// progressNotifier adapts the caller's progress token, when one was sent, to
// the elicitation manager's notification callback. Notifications fire after
// the originating request has returned, so the context is detached from its
// cancellation.
func (s *Server) progressNotifier(ctx context.Context, req *mcp.CallToolRequest) (any, elicitations.ProgressFunc) {
	token := req.Params.GetProgressToken()
	if token == nil {
		return nil, nil
	}
	session := req.Session
	nctx := context.WithoutCancel(ctx)
	return token, func(progressToken any, progress, total int, message string) error {
		return session.NotifyProgress(nctx, &mcp.ProgressNotificationParams{
			ProgressToken: progressToken,
			Progress:      float64(progress),
			Total:         float64(total),
			Message:       message,
		})
	}
}

func toolCtx(ctx context.Context, req *mcp.CallToolRequest, tool string) context.Context {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: req.Session.ID()})
	return logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: tool})
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func pendingResult(p *pendingPayload) *mcp.CallToolResult {
	return textResult(fmt.Sprintf("GitHub authorization required. Visit %s and retry. (elicitation %s)", p.URL, p.ElicitationID))
}

func toolError(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// apiErrorResult maps an upstream GitHub failure to a tool-level error so
// the model sees the status instead of a transport fault.
func apiErrorResult(err error) *mcp.CallToolResult {
	var apiErr *githubapi.APIError
	if errors.As(err, &apiErr) {
		return toolError(fmt.Sprintf("GitHub API error %d: %s", apiErr.StatusCode, apiErr.Message))
	}
	return toolError("GitHub request failed: " + err.Error())
}
