package webhook

import (
	"context"

	"github.com/stanley2058/lilac/pkg/events"
)

// ackReaction is the acknowledgment marker placed on source threads.
const ackReaction = "eyes"

func (s *Server) isBotLogin(login string) bool {
	for _, l := range s.botLogins {
		if l == login {
			return true
		}
	}
	return false
}

func (s *Server) publishRequest(ctx context.Context, rid, sid string, payload events.RequestPayload) error {
	_, err := events.Publish(ctx, s.bus, events.TypeRequestMessage, payload, events.PublishOptions{
		Headers: map[string]string{
			events.HeaderRequestID:     rid,
			events.HeaderSessionID:     sid,
			events.HeaderRequestClient: requestClient,
		},
	})
	return err
}

func (s *Server) handleIssueComment(ctx context.Context, p *eventPayload) error {
	if p.Issue == nil || p.Comment == nil {
		return nil
	}
	if s.isBotLogin(p.Comment.User.Login) {
		// Our own acknowledgments and replies must not retrigger.
		return nil
	}
	if !HasTrigger(p.Comment.Body, s.cfg.TriggerPrefix, s.botLogins) {
		return nil
	}

	repo := p.Repository.FullName
	sid := SessionID(repo, p.Issue.Number)
	rid := CommentRequestID(sid, p.Comment.ID)

	// Acknowledgment is best-effort: a missing marker never blocks the
	// request.
	if reactionID, err := s.api.ReactToComment(ctx, repo, p.Comment.ID, ackReaction); err != nil {
		s.log.Warn("failed to place ack marker on comment",
			"request_id", rid, "comment_id", p.Comment.ID, "error", err)
	} else {
		s.state.RecordAck(rid, AckRef{Target: "comment", ReactionID: reactionID})
	}

	issue, err := s.api.GetIssue(ctx, repo, p.Issue.Number)
	if err != nil {
		return err
	}
	recent, err := s.api.ListIssueComments(ctx, repo, p.Issue.Number, maxRecentComments)
	if err != nil {
		return err
	}

	command := ExtractCommand(p.Comment.Body, s.cfg.TriggerPrefix, s.botLogins)
	prompt := buildCommentPrompt(issue, p.Comment, recent, command)

	s.state.RecordRequest(rid, RequestMeta{
		SessionID:    sid,
		RepoFullName: repo,
		ThreadNumber: p.Issue.Number,
		Trigger:      "comment",
		CreatedAt:    s.now(),
	})

	return s.publishRequest(ctx, rid, sid, events.RequestPayload{
		Queue:    events.QueuePrompt,
		Messages: []events.AgentMessage{{Role: "user", Content: prompt}},
	})
}

func (s *Server) handleReviewRequested(ctx context.Context, p *eventPayload) error {
	if p.PullRequest == nil {
		return nil
	}
	// Team reviewers carry no login; only direct bot reviewers trigger.
	if p.RequestedReviewer == nil || p.RequestedReviewer.Login == "" {
		return nil
	}
	if !s.isBotLogin(p.RequestedReviewer.Login) {
		return nil
	}

	repo := p.Repository.FullName
	prNumber := p.PullRequest.Number
	sid := SessionID(repo, prNumber)
	rid := ReviewRequestID(sid, prNumber, p.PullRequest.Head.SHA)

	if reactionID, err := s.api.ReactToIssue(ctx, repo, prNumber, ackReaction); err != nil {
		s.log.Warn("failed to place ack marker on pull request",
			"request_id", rid, "pr", prNumber, "error", err)
	} else {
		s.state.RecordAck(rid, AckRef{Target: "issue", ReactionID: reactionID})
	}

	pr, err := s.api.GetPullRequest(ctx, repo, prNumber)
	if err != nil {
		return err
	}
	prompt := buildReviewPrompt(pr, repo)

	s.state.SetLatest(sid, rid)
	s.state.RecordRequest(rid, RequestMeta{
		SessionID:    sid,
		RepoFullName: repo,
		ThreadNumber: prNumber,
		Trigger:      "review_requested",
		CreatedAt:    s.now(),
		PR: &PRContext{
			Number:  prNumber,
			HeadSHA: p.PullRequest.Head.SHA,
			Mode:    ReviewModeReview,
		},
	})

	return s.publishRequest(ctx, rid, sid, events.RequestPayload{
		Queue:    events.QueuePrompt,
		Messages: []events.AgentMessage{{Role: "user", Content: prompt}},
	})
}

// handleSynchronize is the preemption transition: a source update on a
// session with an in-flight review cancels that review and mints a fresh
// request with the updated head.
func (s *Server) handleSynchronize(ctx context.Context, p *eventPayload) error {
	if p.PullRequest == nil {
		return nil
	}
	newHead := p.After
	if newHead == "" {
		newHead = p.PullRequest.Head.SHA
	}

	repo := p.Repository.FullName
	prNumber := p.PullRequest.Number
	sid := SessionID(repo, prNumber)

	oldRid, ok := s.state.LatestFor(sid)
	if !ok {
		return nil
	}
	meta, ok := s.state.MetaFor(oldRid)
	if !ok || meta.PR == nil || meta.PR.Mode != ReviewModeReview {
		return nil
	}
	if s.now().Sub(meta.CreatedAt) > maxReviewAge {
		// Too old to rerun; the next explicit review request starts fresh.
		return nil
	}
	if meta.PR.HeadSHA == newHead {
		return nil
	}

	newRid := ReviewRequestID(sid, prNumber, newHead)

	s.state.TransferAck(oldRid, newRid)

	// Latest moves to the new id before the cancel goes out, so relay code
	// can filter stale output by comparing against latest.
	s.state.SetLatest(sid, newRid)

	err := s.publishRequest(ctx, oldRid, sid, events.RequestPayload{
		Queue: events.QueueInterrupt,
		Raw: map[string]any{
			"cancel":         true,
			"requiresActive": true,
		},
		Messages: []events.AgentMessage{{Role: "user", Content: buildInterruptMessage(newHead)}},
	})
	if err != nil {
		return err
	}

	pr, err := s.api.GetPullRequest(ctx, repo, prNumber)
	if err != nil {
		return err
	}
	prompt := buildReviewPrompt(pr, repo)

	s.state.RecordRequest(newRid, RequestMeta{
		SessionID:    sid,
		RepoFullName: repo,
		ThreadNumber: prNumber,
		Trigger:      "synchronize",
		CreatedAt:    s.now(),
		PR: &PRContext{
			Number:  prNumber,
			HeadSHA: newHead,
			Mode:    ReviewModeReview,
		},
	})

	return s.publishRequest(ctx, newRid, sid, events.RequestPayload{
		Queue:    events.QueuePrompt,
		Messages: []events.AgentMessage{{Role: "user", Content: prompt}},
	})
}

// State exposes the preemption state for relay code and tests.
func (s *Server) State() *ReviewState {
	return (*ReviewState)(s.state)
}

// ReviewState is the exported read surface over the preemption state.
type ReviewState reviewState

// Latest returns the latest request id for a session.
func (s *ReviewState) Latest(sessionID string) (string, bool) {
	return (*reviewState)(s).LatestFor(sessionID)
}

// Meta returns the recorded context of a request.
func (s *ReviewState) Meta(requestID string) (RequestMeta, bool) {
	return (*reviewState)(s).MetaFor(requestID)
}

// Ack returns the acknowledgment marker record of a request.
func (s *ReviewState) Ack(requestID string) (AckRef, bool) {
	return (*reviewState)(s).AckFor(requestID)
}
