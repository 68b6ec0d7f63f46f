package webhook

import (
	"fmt"
	"strings"
)

const (
	maxDescriptionLen = 4000
	maxCommentLen     = 500
	maxRecentComments = 30
)

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// ExtractCommand pulls the command text from a trigger comment: a leading
// trigger prefix is stripped, otherwise every bot mention is removed. The
// original body is the fallback when extraction leaves nothing.
func ExtractCommand(body, triggerPrefix string, botLogins []string) string {
	trimmed := strings.TrimSpace(body)

	if rest, ok := strings.CutPrefix(trimmed, triggerPrefix); ok {
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\t' {
			if cmd := strings.TrimSpace(rest); cmd != "" {
				return cmd
			}
			return trimmed
		}
	}

	cmd := trimmed
	for _, login := range botLogins {
		cmd = strings.ReplaceAll(cmd, "@"+login, "")
	}
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return trimmed
	}
	return cmd
}

// HasTrigger reports whether a comment body triggers a request: it begins
// with the trigger prefix (standalone or followed by space) or mentions
// any bot login.
func HasTrigger(body, triggerPrefix string, botLogins []string) bool {
	trimmed := strings.TrimSpace(body)
	if rest, ok := strings.CutPrefix(trimmed, triggerPrefix); ok {
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\t' {
			return true
		}
	}
	for _, login := range botLogins {
		if strings.Contains(trimmed, "@"+login) {
			return true
		}
	}
	return false
}

// buildCommentPrompt shapes the prompt for a comment-triggered request.
func buildCommentPrompt(issue *Issue, trigger *Comment, recent []Comment, command string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GitHub thread: %s\n", issue.HTMLURL)
	if trigger.HTMLURL != "" {
		fmt.Fprintf(&b, "Triggered by: %s\n", trigger.HTMLURL)
	}
	fmt.Fprintf(&b, "Title: %s\n", issue.Title)
	if desc := strings.TrimSpace(issue.Body); desc != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", truncate(desc, maxDescriptionLen))
	}

	if len(recent) > 0 {
		b.WriteString("\nRecent comments:\n")
		tail := recent
		if len(tail) > maxRecentComments {
			tail = tail[len(tail)-maxRecentComments:]
		}
		for _, c := range tail {
			if c.ID == trigger.ID {
				continue
			}
			fmt.Fprintf(&b, "- @%s: %s\n", c.User.Login, truncate(strings.TrimSpace(c.Body), maxCommentLen))
		}
	}

	fmt.Fprintf(&b, "\n@%s asked:\n%s\n", trigger.User.Login, command)
	return b.String()
}

// buildReviewPrompt shapes the prompt for a review-requested request. The
// head SHA is embedded and the reviewer is instructed to re-check it
// before submitting: a changed SHA means the review must be declined and
// restarted.
func buildReviewPrompt(pr *PullRequest, repoFullName string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GitHub thread: %s\n", pr.HTMLURL)
	fmt.Fprintf(&b, "Title: %s\n", pr.Title)
	fmt.Fprintf(&b, "Repository: %s\n", repoFullName)
	fmt.Fprintf(&b, "Head SHA: %s\n", pr.Head.SHA)
	if desc := strings.TrimSpace(pr.Body); desc != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", truncate(desc, maxDescriptionLen))
	}

	fmt.Fprintf(&b, "\nReview pull request #%d at head %s.\n", pr.Number, pr.Head.SHA)
	fmt.Fprintf(&b, "Before submitting the review, re-check the head SHA of the pull request. "+
		"If it no longer equals %s, the branch moved while you were reviewing: "+
		"decline to submit and request a restart instead.\n", pr.Head.SHA)
	return b.String()
}

// buildInterruptMessage is the single user message carried by an
// interrupt-queue publish.
func buildInterruptMessage(newHeadSHA string) string {
	return fmt.Sprintf("The pull request was updated (new head %s) while you were reviewing. "+
		"Stop the current review; a fresh request with the updated head follows.", shaPrefix(newHeadSHA))
}
