package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stanley2058/lilac/pkg/client/rest"
	"github.com/stanley2058/lilac/pkg/ghauth"
)

// Wire shapes for the webhook payloads and REST responses this ingress
// consumes. Only the consumed fields are modeled.

type User struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type Repo struct {
	FullName string `json:"full_name"`
}

type Issue struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	HTMLURL     string `json:"html_url"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

type eventPayload struct {
	Action            string       `json:"action"`
	Repository        Repo         `json:"repository"`
	Issue             *Issue       `json:"issue,omitempty"`
	Comment           *Comment     `json:"comment,omitempty"`
	PullRequest       *PullRequest `json:"pull_request,omitempty"`
	RequestedReviewer *User        `json:"requested_reviewer,omitempty"`
	After             string       `json:"after,omitempty"`
}

// API is the slice of the source-control REST surface the ingress needs.
// repo is always the "owner/name" full name.
type API interface {
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	ListIssueComments(ctx context.Context, repo string, number, limit int) ([]Comment, error)
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)

	// ReactToComment places an acknowledgment reaction on a comment and
	// returns the reaction id.
	ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) (int64, error)

	// ReactToIssue places an acknowledgment reaction on an issue or PR
	// body and returns the reaction id.
	ReactToIssue(ctx context.Context, repo string, number int, reaction string) (int64, error)
}

// httpAPI implements API against the GitHub REST API, minting installation
// tokens per call through ghauth.
type httpAPI struct {
	client    *rest.Client
	minter    *ghauth.Minter
	configDir string
}

// NewHTTPAPI creates the production API client.
func NewHTTPAPI(client *rest.Client, minter *ghauth.Minter, configDir string) API {
	return &httpAPI{client: client, minter: minter, configDir: configDir}
}

func (a *httpAPI) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	tok, err := a.minter.GetToken(ctx, ghauth.GetTokenInput{ConfigDir: a.configDir})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, tok.APIBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrAPIFailed(method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (a *httpAPI) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	if err := a.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (a *httpAPI) ListIssueComments(ctx context.Context, repo string, number, limit int) ([]Comment, error) {
	var comments []Comment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d", repo, number, limit)
	if err := a.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (a *httpAPI) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := a.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

type reactionResponse struct {
	ID int64 `json:"id"`
}

func (a *httpAPI) ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) (int64, error) {
	var out reactionResponse
	path := fmt.Sprintf("/repos/%s/issues/comments/%d/reactions", repo, commentID)
	body := strings.NewReader(`{"content":` + strconv.Quote(reaction) + `}`)
	if err := a.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (a *httpAPI) ReactToIssue(ctx context.Context, repo string, number int, reaction string) (int64, error) {
	var out reactionResponse
	path := fmt.Sprintf("/repos/%s/issues/%d/reactions", repo, number)
	body := strings.NewReader(`{"content":` + strconv.Quote(reaction) + `}`)
	if err := a.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}
