package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Review requests older than this are not rerun on synchronize.
const maxReviewAge = 30 * time.Minute

// Request client tag for everything this ingress publishes.
const requestClient = "github"

// ReviewModeReview marks a request minted from a review_requested event.
const ReviewModeReview = "review"

// PRContext captures the pull-request scope of a review request.
type PRContext struct {
	Number  int
	HeadSHA string
	Mode    string
}

// RequestMeta is the recorded context of one minted request.
type RequestMeta struct {
	SessionID    string
	RepoFullName string
	ThreadNumber int
	Trigger      string
	CreatedAt    time.Time
	PR           *PRContext
}

// AckRef records which acknowledgment marker was placed on the source
// thread for a request.
type AckRef struct {
	Target     string
	ReactionID int64
}

// reviewState holds the session-scoped latest-request tracking that the
// preemption machine operates on. Single-writer from the webhook handler
// task for a given delivery; reads are lock-guarded.
type reviewState struct {
	mu              sync.Mutex
	latestBySession map[string]string
	meta            map[string]RequestMeta
	ackByRequest    map[string]AckRef
}

func newReviewState() *reviewState {
	return &reviewState{
		latestBySession: make(map[string]string),
		meta:            make(map[string]RequestMeta),
		ackByRequest:    make(map[string]AckRef),
	}
}

func (s *reviewState) RecordRequest(rid string, meta RequestMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[rid] = meta
}

func (s *reviewState) SetLatest(sid, rid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestBySession[sid] = rid
}

func (s *reviewState) LatestFor(sid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid, ok := s.latestBySession[sid]
	return rid, ok
}

func (s *reviewState) MetaFor(rid string) (RequestMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[rid]
	return m, ok
}

func (s *reviewState) RecordAck(rid string, ack AckRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackByRequest[rid] = ack
}

// TransferAck moves the old request's marker record to the new request and
// clears the old entry, so a superseded request leaves exactly one record.
func (s *reviewState) TransferAck(oldRid, newRid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack, ok := s.ackByRequest[oldRid]; ok {
		s.ackByRequest[newRid] = ack
		delete(s.ackByRequest, oldRid)
	}
}

func (s *reviewState) AckFor(rid string) (AckRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.ackByRequest[rid]
	return ack, ok
}

// SessionID formats the canonical "<owner>/<repo>#<number>" session id.
func SessionID(repoFullName string, number int) string {
	return fmt.Sprintf("%s#%d", repoFullName, number)
}

// ParseSessionID accepts exactly "<owner>/<repo>#<number>" with a positive
// integer number.
func ParseSessionID(s string) (repoFullName string, number int, err error) {
	repo, num, ok := strings.Cut(s, "#")
	if !ok || !strings.Contains(repo, "/") {
		return "", 0, ErrInvalidSessionID(s)
	}
	n, convErr := strconv.Atoi(num)
	if convErr != nil || n <= 0 {
		return "", 0, ErrInvalidSessionID(s)
	}
	return repo, n, nil
}

// CommentRequestID mints the request id for a comment trigger.
func CommentRequestID(sessionID string, commentID int64) string {
	return fmt.Sprintf("github:%s:%d", sessionID, commentID)
}

// ReviewRequestID mints the request id for a review trigger; the suffix is
// the head-SHA prefix.
func ReviewRequestID(sessionID string, prNumber int, headSHA string) string {
	return fmt.Sprintf("github:%s:%d:%s", sessionID, prNumber, shaPrefix(headSHA))
}

func shaPrefix(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
