// Package reviewqueue classifies incoming pull-request review and
// review-comment webhook events into §4.9 ReviewFollowupEntry records,
// filtering out noise from unrecognized bots and non-collaborators.
package reviewqueue

import (
	"strings"

	"github.com/metyatech/agent-runner/internal/model"
)

// satisfiedMarker is the teacher's literal CodeRabbit "nothing to fix"
// signal (server/reviewloop.go's handleAIReview/collectReviewFeedback),
// reused verbatim per the resolved Open Question on heuristic phrases.
const satisfiedMarker = "Actionable comments posted: 0"

// authorizedAssociations mirrors the teacher's collaborator-or-above check,
// generalized from PR-comment triggers to review-event filtering.
var authorizedAssociations = map[string]bool{
	"OWNER":        true,
	"MEMBER":       true,
	"COLLABORATOR": true,
}

// Event is the normalized shape of a pull_request_review.submitted or
// pull_request_review_comment.created webhook payload.
type Event struct {
	Repo              model.RepoRef
	PRNumber          int
	URL               string
	IsReviewComment   bool   // true for pull_request_review_comment.created
	State             string // "approved", "changes_requested", "commented", "" for plain review comments
	Body              string
	AuthorLogin       string
	AuthorIsBot       bool
	AuthorAssociation string
}

// Classifier turns Events into ReviewFollowupEntry per §4.9, given the
// configured set of recognized AI-reviewer bot usernames (the only bots
// whose events aren't dropped).
type Classifier struct {
	RecognizedBots []string
}

func (c *Classifier) isRecognizedBot(login string) bool {
	lower := strings.ToLower(login)
	for _, bot := range c.RecognizedBots {
		if strings.ToLower(bot) == lower {
			return true
		}
	}
	return false
}

// allowed implements §4.9's two filters: drop bot principals other than a
// recognized code-review bot, and drop non-bot principals whose author
// association isn't collaborator or above.
func (c *Classifier) allowed(e Event) bool {
	if e.AuthorIsBot {
		return c.isRecognizedBot(e.AuthorLogin)
	}
	return authorizedAssociations[strings.ToUpper(e.AuthorAssociation)]
}

// Classify returns the ReviewFollowupEntry for e, or ok=false if the event
// is filtered out or doesn't map to any follow-up action.
func (c *Classifier) Classify(e Event) (entry model.ReviewFollowupEntry, ok bool) {
	if !c.allowed(e) {
		return model.ReviewFollowupEntry{}, false
	}

	base := model.ReviewFollowupEntry{
		PRNumber: e.PRNumber,
		Repo:     e.Repo,
		URL:      e.URL,
	}

	switch {
	case e.State == "approved", strings.Contains(e.Body, satisfiedMarker):
		base.Reason = model.ReviewFollowupApproval
		base.RequiresEngine = false
		return base, true

	case e.State == "changes_requested":
		base.Reason = model.ReviewFollowupReview
		base.RequiresEngine = true
		return base, true

	case e.State == "commented" && strings.TrimSpace(e.Body) != "":
		base.Reason = model.ReviewFollowupReview
		base.RequiresEngine = true
		return base, true

	case e.IsReviewComment:
		base.Reason = model.ReviewFollowupReviewComment
		base.RequiresEngine = true
		return base, true

	default:
		return model.ReviewFollowupEntry{}, false
	}
}
