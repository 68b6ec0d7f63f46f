// Package webhook terminates the HTTP intake for source-control events and
// converts them into bus publishes.
//
// The pipeline per delivery: constant-time signature verification,
// delivery-id deduplication, body parse, event dispatch. Review-requested
// sessions are tracked so a pull_request/synchronize can preempt an
// in-flight review (see state.go).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stanley2058/lilac/pkg/bus"
)

// Config holds listener and identity settings.
type Config struct {
	// Port the listener binds (default 8787).
	Port int `env:"WEBHOOK_PORT" env-default:"8787"`

	// Path of the intake endpoint.
	Path string `env:"WEBHOOK_PATH" env-default:"/webhook"`

	// Secret is the shared HMAC secret. The server refuses to start
	// without one.
	Secret string `env:"WEBHOOK_SECRET"`

	// BotLogin is the directly-configured user login to recognize in
	// mentions (optional).
	BotLogin string `env:"WEBHOOK_BOT_LOGIN"`

	// AppSlug derives the App bot login "<slug>[bot]" (optional).
	AppSlug string `env:"WEBHOOK_APP_SLUG"`

	// TriggerPrefix is the slash command that triggers a request.
	TriggerPrefix string `env:"WEBHOOK_TRIGGER_PREFIX" env-default:"/lilac"`
}

// Request headers of interest.
const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

const dedupTTL = 10 * time.Minute

// Server is the webhook ingress.
type Server struct {
	cfg       Config
	bus       bus.Bus
	api       API
	log       *slog.Logger
	echo      *echo.Echo
	dedup     *dedupWindow
	state     *reviewState
	botLogins []string
	now       func() time.Time
}

// New creates the ingress. A missing secret is a configuration error so
// callers can skip startup cleanly.
func New(cfg Config, b bus.Bus, api API, log *slog.Logger) (*Server, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret()
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	if cfg.TriggerPrefix == "" {
		cfg.TriggerPrefix = "/lilac"
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		bus:       b,
		api:       api,
		log:       log,
		dedup:     newDedupWindow(dedupTTL),
		state:     newReviewState(),
		botLogins: BotMentionLogins(cfg.BotLogin, cfg.AppSlug),
		now:       time.Now,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.POST(cfg.Path, s.handle)
	s.echo = e

	return s, nil
}

// BotMentionLogins computes the mention logins to recognize: the direct
// user login plus the derived App bot login, de-duplicated preserving
// insertion order. An empty result disables mention-based triggering.
func BotMentionLogins(directLogin, appSlug string) []string {
	var logins []string
	seen := make(map[string]struct{})
	add := func(l string) {
		if l == "" {
			return
		}
		if _, ok := seen[l]; ok {
			return
		}
		seen[l] = struct{}{}
		logins = append(logins, l)
	}
	add(directLogin)
	if appSlug != "" {
		add(appSlug + "[bot]")
	}
	return logins
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the echo handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type response struct {
	OK      bool   `json:"ok"`
	Deduped bool   `json:"deduped,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handle(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, response{Error: "unreadable body"})
	}

	if !s.verifySignature(body, req.Header.Get(headerSignature)) {
		return c.JSON(http.StatusUnauthorized, response{Error: "signature mismatch"})
	}

	deliveryID := req.Header.Get(headerDelivery)
	if deliveryID != "" && s.dedup.Seen(deliveryID, s.now()) {
		return c.JSON(http.StatusOK, response{OK: true, Deduped: true})
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return c.JSON(http.StatusBadRequest, response{Error: "invalid body"})
	}

	event := req.Header.Get(headerEvent)
	if err := s.dispatch(req.Context(), event, &payload); err != nil {
		// The delivery stays in the dedup window, avoiding storm retries
		// on transient bugs. Redact the message.
		s.log.Error("webhook handler failed",
			"event", event, "action", payload.Action, "delivery_id", deliveryID, "error", err)
		return c.JSON(http.StatusInternalServerError, response{Error: "handler error"})
	}

	return c.JSON(http.StatusOK, response{OK: true})
}

// verifySignature checks an HMAC-SHA256 signature over the raw body.
// The comparison is constant time over equal-length decoded sequences.
func (s *Server) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(header[len(prefix):])
	if err != nil || len(sig) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}

func (s *Server) dispatch(ctx context.Context, event string, p *eventPayload) error {
	switch {
	case event == "issue_comment" && p.Action == "created":
		return s.handleIssueComment(ctx, p)
	case event == "pull_request" && p.Action == "review_requested":
		return s.handleReviewRequested(ctx, p)
	case event == "pull_request" && p.Action == "synchronize":
		return s.handleSynchronize(ctx, p)
	default:
		return nil
	}
}
