package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanley2058/lilac/pkg/bus"
	membus "github.com/stanley2058/lilac/pkg/bus/adapters/memory"
	"github.com/stanley2058/lilac/pkg/events"
	"github.com/stanley2058/lilac/pkg/webhook"
)

const testSecret = "s3cret"

type fakeAPI struct {
	mu           sync.Mutex
	issues       map[string]*webhook.Issue
	comments     map[string][]webhook.Comment
	prs          map[string]*webhook.PullRequest
	nextReaction int64
	failIssues   bool
	failReact    bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		issues:   make(map[string]*webhook.Issue),
		comments: make(map[string][]webhook.Comment),
		prs:      make(map[string]*webhook.PullRequest),
	}
}

func key(repo string, n int) string { return fmt.Sprintf("%s#%d", repo, n) }

func (a *fakeAPI) GetIssue(ctx context.Context, repo string, n int) (*webhook.Issue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failIssues {
		return nil, webhook.ErrAPIFailed("GET", "/issues", 500)
	}
	issue, ok := a.issues[key(repo, n)]
	if !ok {
		return nil, webhook.ErrAPIFailed("GET", "/issues", 404)
	}
	return issue, nil
}

func (a *fakeAPI) ListIssueComments(ctx context.Context, repo string, n, limit int) ([]webhook.Comment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.comments[key(repo, n)], nil
}

func (a *fakeAPI) GetPullRequest(ctx context.Context, repo string, n int) (*webhook.PullRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pr, ok := a.prs[key(repo, n)]
	if !ok {
		return nil, webhook.ErrAPIFailed("GET", "/pulls", 404)
	}
	return pr, nil
}

func (a *fakeAPI) ReactToComment(ctx context.Context, repo string, commentID int64, reaction string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failReact {
		return 0, webhook.ErrAPIFailed("POST", "/reactions", 500)
	}
	a.nextReaction++
	return a.nextReaction, nil
}

func (a *fakeAPI) ReactToIssue(ctx context.Context, repo string, n int, reaction string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failReact {
		return 0, webhook.ErrAPIFailed("POST", "/reactions", 500)
	}
	a.nextReaction++
	return a.nextReaction, nil
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T, api webhook.API) (*webhook.Server, *membus.Bus) {
	t.Helper()
	b := membus.New(membus.Config{}, nil)
	t.Cleanup(func() { b.Close() })

	s, err := webhook.New(webhook.Config{
		Secret:   testSecret,
		BotLogin: "lilac-bot",
		AppSlug:  "lilac",
	}, b, api, nil)
	require.NoError(t, err)
	return s, b
}

func post(t *testing.T, s *webhook.Server, event, delivery string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func fetchRequests(t *testing.T, b *membus.Bus) []bus.Envelope {
	t.Helper()
	res, err := b.Fetch(context.Background(), string(events.TopicCmdRequest), bus.FetchOptions{
		Offset: bus.Begin(),
		Limit:  100,
	})
	require.NoError(t, err)
	return res.Messages
}

func commentBody(repo string, issueNumber int, commentID int64, text string) []byte {
	payload := map[string]any{
		"action":     "created",
		"repository": map[string]any{"full_name": repo},
		"issue": map[string]any{
			"number":   issueNumber,
			"title":    "Flaky retries",
			"body":     "The retry loop spins.",
			"html_url": fmt.Sprintf("https://github.com/%s/issues/%d", repo, issueNumber),
		},
		"comment": map[string]any{
			"id":       commentID,
			"body":     text,
			"user":     map[string]any{"login": "alice"},
			"html_url": fmt.Sprintf("https://github.com/%s/issues/%d#issuecomment-%d", repo, issueNumber, commentID),
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestHappyPathCommentTrigger(t *testing.T) {
	api := newFakeAPI()
	api.issues["acme/app#42"] = &webhook.Issue{
		Number:  42,
		Title:   "Flaky retries",
		Body:    "The retry loop spins.",
		HTMLURL: "https://github.com/acme/app/issues/42",
	}
	s, b := newTestServer(t, api)

	body := commentBody("acme/app", 42, 100, "/lilac explain")
	rec := post(t, s, "issue_comment", "d-1", body, sign(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	msgs := fetchRequests(t, b)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "github:acme/app#42:100", msg.Headers[events.HeaderRequestID])
	assert.Equal(t, "acme/app#42", msg.Headers[events.HeaderSessionID])
	assert.Equal(t, "github", msg.Headers[events.HeaderRequestClient])

	payload, err := events.Decode[events.RequestPayload](msg)
	require.NoError(t, err)
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "user", payload.Messages[0].Role)
	assert.Contains(t, payload.Messages[0].Content, "GitHub thread:")
	assert.Contains(t, payload.Messages[0].Content, "explain")

	// The ack marker was recorded.
	_, ok := s.State().Ack("github:acme/app#42:100")
	assert.True(t, ok)
}

func TestDuplicateDeliveryIsDeduped(t *testing.T) {
	api := newFakeAPI()
	api.issues["acme/app#42"] = &webhook.Issue{Number: 42, HTMLURL: "https://github.com/acme/app/issues/42"}
	s, b := newTestServer(t, api)

	body := commentBody("acme/app", 42, 100, "/lilac explain")
	rec := post(t, s, "issue_comment", "d-dup", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, s, "issue_comment", "d-dup", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"deduped":true}`, rec.Body.String())

	assert.Len(t, fetchRequests(t, b), 1)
}

func TestSignatureMismatchIsRejected(t *testing.T) {
	s, b := newTestServer(t, newFakeAPI())

	body := commentBody("acme/app", 42, 100, "/lilac explain")
	rec := post(t, s, "issue_comment", "d-2", body, "sha256="+strings.Repeat("00", 32))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Truncated signatures fail the length check before any comparison.
	rec = post(t, s, "issue_comment", "d-3", body, "sha256=abcd")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, fetchRequests(t, b))
}

func TestMalformedBodyIsRejected(t *testing.T) {
	s, _ := newTestServer(t, newFakeAPI())

	body := []byte("{not json")
	rec := post(t, s, "issue_comment", "d-4", body, sign(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	s, b := newTestServer(t, newFakeAPI())

	body := []byte(`{"action":"opened","repository":{"full_name":"acme/app"}}`)
	rec := post(t, s, "watch", "d-5", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fetchRequests(t, b))
}

func TestHandlerErrorReturns500AndStaysDeduped(t *testing.T) {
	api := newFakeAPI()
	api.failIssues = true
	s, _ := newTestServer(t, api)

	body := commentBody("acme/app", 42, 100, "/lilac explain")
	rec := post(t, s, "issue_comment", "d-err", body, sign(body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"handler error"}`, rec.Body.String())

	// The failed delivery remains in the window: a replay is deduped
	// rather than retried into the same failure.
	rec = post(t, s, "issue_comment", "d-err", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"deduped":true}`, rec.Body.String())
}

func TestNonTriggerCommentIsIgnored(t *testing.T) {
	s, b := newTestServer(t, newFakeAPI())

	body := commentBody("acme/app", 42, 100, "just chatting")
	rec := post(t, s, "issue_comment", "d-6", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fetchRequests(t, b))
}

func TestMentionTriggersAndAckFailureIsNonFatal(t *testing.T) {
	api := newFakeAPI()
	api.issues["acme/app#42"] = &webhook.Issue{Number: 42, HTMLURL: "https://github.com/acme/app/issues/42"}
	api.failReact = true
	s, b := newTestServer(t, api)

	body := commentBody("acme/app", 42, 101, "@lilac-bot what changed here?")
	rec := post(t, s, "issue_comment", "d-7", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := fetchRequests(t, b)
	require.Len(t, msgs, 1)
	payload, err := events.Decode[events.RequestPayload](msgs[0])
	require.NoError(t, err)
	assert.Contains(t, payload.Messages[0].Content, "what changed here?")

	_, ok := s.State().Ack("github:acme/app#42:101")
	assert.False(t, ok, "failed ack must not be recorded")
}

func reviewRequestedBody(repo string, prNumber int, sha, reviewer string) []byte {
	payload := map[string]any{
		"action":     "review_requested",
		"repository": map[string]any{"full_name": repo},
		"pull_request": map[string]any{
			"number":   prNumber,
			"title":    "Add retry budget",
			"body":     "Bounds the retry loop.",
			"html_url": fmt.Sprintf("https://github.com/%s/pull/%d", repo, prNumber),
			"head":     map[string]any{"sha": sha},
		},
		"requested_reviewer": map[string]any{"login": reviewer},
	}
	data, _ := json.Marshal(payload)
	return data
}

func synchronizeBody(repo string, prNumber int, newSHA string) []byte {
	payload := map[string]any{
		"action":     "synchronize",
		"repository": map[string]any{"full_name": repo},
		"after":      newSHA,
		"pull_request": map[string]any{
			"number":   prNumber,
			"title":    "Add retry budget",
			"html_url": fmt.Sprintf("https://github.com/%s/pull/%d", repo, prNumber),
			"head":     map[string]any{"sha": newSHA},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestReviewRequestedThenSuperseded(t *testing.T) {
	oldSHA := strings.Repeat("a", 40)
	newSHA := strings.Repeat("b", 40)

	api := newFakeAPI()
	api.prs["acme/app#7"] = &webhook.PullRequest{
		Number:  7,
		Title:   "Add retry budget",
		HTMLURL: "https://github.com/acme/app/pull/7",
	}
	api.prs["acme/app#7"].Head.SHA = oldSHA
	s, b := newTestServer(t, api)

	body := reviewRequestedBody("acme/app", 7, oldSHA, "lilac-bot")
	rec := post(t, s, "pull_request", "d-rr", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	oldRid := "github:acme/app#7:7:aaaaaaaa"
	latest, ok := s.State().Latest("acme/app#7")
	require.True(t, ok)
	assert.Equal(t, oldRid, latest)

	msgs := fetchRequests(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, oldRid, msgs[0].Headers[events.HeaderRequestID])

	prompt, err := events.Decode[events.RequestPayload](msgs[0])
	require.NoError(t, err)
	assert.Contains(t, prompt.Messages[0].Content, oldSHA)

	_, hadAck := s.State().Ack(oldRid)
	require.True(t, hadAck)

	// The branch moves: synchronize preempts the in-flight review.
	api.mu.Lock()
	api.prs["acme/app#7"].Head.SHA = newSHA
	api.mu.Unlock()

	body = synchronizeBody("acme/app", 7, newSHA)
	rec = post(t, s, "pull_request", "d-sync", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	newRid := "github:acme/app#7:7:bbbbbbbb"

	msgs = fetchRequests(t, b)
	require.Len(t, msgs, 3)

	interrupt := msgs[1]
	assert.Equal(t, oldRid, interrupt.Headers[events.HeaderRequestID])
	assert.Equal(t, oldRid, interrupt.Key)
	ipayload, err := events.Decode[events.RequestPayload](interrupt)
	require.NoError(t, err)
	assert.Equal(t, events.QueueInterrupt, ipayload.Queue)
	assert.Equal(t, true, ipayload.Raw["cancel"])
	assert.Equal(t, true, ipayload.Raw["requiresActive"])
	require.NotEmpty(t, ipayload.Messages)

	fresh := msgs[2]
	assert.Equal(t, newRid, fresh.Headers[events.HeaderRequestID])
	fpayload, err := events.Decode[events.RequestPayload](fresh)
	require.NoError(t, err)
	assert.Equal(t, events.QueuePrompt, fpayload.Queue)
	assert.Contains(t, fpayload.Messages[0].Content, newSHA)

	latest, ok = s.State().Latest("acme/app#7")
	require.True(t, ok)
	assert.Equal(t, newRid, latest)

	// Ack transferred: new id only.
	_, oldHas := s.State().Ack(oldRid)
	_, newHas := s.State().Ack(newRid)
	assert.False(t, oldHas)
	assert.True(t, newHas)

	meta, ok := s.State().Meta(newRid)
	require.True(t, ok)
	require.NotNil(t, meta.PR)
	assert.Equal(t, newSHA, meta.PR.HeadSHA)
}

func TestSynchronizeWithoutTrackedSessionIsNoop(t *testing.T) {
	s, b := newTestServer(t, newFakeAPI())

	body := synchronizeBody("acme/app", 9, strings.Repeat("c", 40))
	rec := post(t, s, "pull_request", "d-8", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fetchRequests(t, b))
}

func TestSynchronizeWithSameHeadIsNoop(t *testing.T) {
	sha := strings.Repeat("a", 40)
	api := newFakeAPI()
	api.prs["acme/app#7"] = &webhook.PullRequest{Number: 7, HTMLURL: "u"}
	api.prs["acme/app#7"].Head.SHA = sha
	s, b := newTestServer(t, api)

	body := reviewRequestedBody("acme/app", 7, sha, "lilac-bot")
	post(t, s, "pull_request", "d-9", body, sign(body))
	require.Len(t, fetchRequests(t, b), 1)

	body = synchronizeBody("acme/app", 7, sha)
	post(t, s, "pull_request", "d-10", body, sign(body))
	assert.Len(t, fetchRequests(t, b), 1)
}

func TestReviewRequestForOtherReviewerIsIgnored(t *testing.T) {
	s, b := newTestServer(t, newFakeAPI())

	body := reviewRequestedBody("acme/app", 7, strings.Repeat("a", 40), "carol")
	rec := post(t, s, "pull_request", "d-11", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fetchRequests(t, b))
}

func TestBotMentionLogins(t *testing.T) {
	assert.Equal(t, []string{"lilac-bot", "lilac[bot]"}, webhook.BotMentionLogins("lilac-bot", "lilac"))
	assert.Equal(t, []string{"lilac[bot]"}, webhook.BotMentionLogins("", "lilac"))
	assert.Empty(t, webhook.BotMentionLogins("", ""))
	// De-duplicated preserving insertion order.
	assert.Equal(t, []string{"lilac[bot]"}, webhook.BotMentionLogins("lilac[bot]", "lilac"))
}

func TestExtractCommand(t *testing.T) {
	logins := []string{"lilac-bot"}

	assert.Equal(t, "explain this", webhook.ExtractCommand("/lilac explain this", "/lilac", logins))
	assert.Equal(t, "what is up?", webhook.ExtractCommand("@lilac-bot what is up?", "/lilac", logins))
	// Empty extraction falls back to the original body.
	assert.Equal(t, "/lilac", webhook.ExtractCommand("/lilac", "/lilac", logins))
	assert.Equal(t, "@lilac-bot", webhook.ExtractCommand("@lilac-bot", "/lilac", logins))
}

func TestHasTrigger(t *testing.T) {
	logins := []string{"lilac-bot"}

	assert.True(t, webhook.HasTrigger("/lilac explain", "/lilac", logins))
	assert.True(t, webhook.HasTrigger("/lilac", "/lilac", logins))
	assert.True(t, webhook.HasTrigger("hey @lilac-bot look", "/lilac", logins))
	assert.False(t, webhook.HasTrigger("/lilacs are flowers", "/lilac", logins))
	assert.False(t, webhook.HasTrigger("nothing here", "/lilac", logins))
	// No logins configured: mention triggering is disabled.
	assert.False(t, webhook.HasTrigger("@lilac-bot hi", "/lilac", nil))
}

func TestParseSessionID(t *testing.T) {
	repo, n, err := webhook.ParseSessionID("acme/app#42")
	require.NoError(t, err)
	assert.Equal(t, "acme/app", repo)
	assert.Equal(t, 42, n)

	for _, bad := range []string{"acme/app", "acme#1", "acme/app#0", "acme/app#-3", "acme/app#x"} {
		_, _, err := webhook.ParseSessionID(bad)
		assert.Error(t, err, bad)
	}
}

func TestMissingSecretSkipsStartup(t *testing.T) {
	b := membus.New(membus.Config{}, nil)
	defer b.Close()
	_, err := webhook.New(webhook.Config{}, b, newFakeAPI(), nil)
	require.Error(t, err)
}
