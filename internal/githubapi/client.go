// Package githubapi is the single seam between the orchestrator and GitHub:
// issue/PR discovery, label mutations, comment posting, and the review-loop
// queries. It extends the teacher's server/ghclient with the read-side
// operations the orchestration loop needs (§4.1, §4.2, §4.9) while keeping
// its client shape, retry-less REST-then-GraphQL-fallback pattern, and
// pagination style.
package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/pkg/errors"
)

// AgentRunTrigger is the literal substring that, on its own line in a
// comment from an authorized principal, enqueues an issue (§6).
const AgentRunTrigger = "/agent run"

// authorizedAssociations are the GitHub "author association" values treated
// as owner/member/collaborator for the purposes of triggering a run (§6).
var authorizedAssociations = map[string]bool{
	"OWNER":        true,
	"MEMBER":       true,
	"COLLABORATOR": true,
}

// Comment is the subset of an issue comment the lifecycle/discovery code
// needs.
type Comment struct {
	ID            int64
	Body          string
	Author        string
	AuthorIsBot   bool
	AuthorAssoc   string
	CreatedAtUnix int64
}

// TriggeredIssue pairs a /agent run trigger comment with the issue it was
// posted on, so the webhook catch-up sweep can enqueue the issue without a
// second lookup.
type TriggeredIssue struct {
	Comment Comment
	Issue   model.Issue
}

// Client is the full GitHub surface used by the orchestrator: discovery and
// label/comment operations for §4.1/§4.2, plus the managed-PR operations
// the §4.9 review follow-up drain needs.
type Client interface {
	// RequestReviewers asks the named logins to review a pull request, used
	// to put newly tracked managed PRs in front of the configured reviewers.
	RequestReviewers(ctx context.Context, repo model.RepoRef, number int, reviewers []string) error

	// MarkPRReadyForReview flips a draft PR to ready (REST first, GraphQL
	// fallback). A PR that is already ready is a no-op.
	MarkPRReadyForReview(ctx context.Context, repo model.RepoRef, number int) error

	// MergePullRequest merges an approved managed PR, for merge-only review
	// follow-ups (§4.9).
	MergePullRequest(ctx context.Context, repo model.RepoRef, number int) error

	// ListOpenIssuesAndPRs lists every open issue and PR in a repo (auto-paginates).
	ListOpenIssuesAndPRs(ctx context.Context, repo model.RepoRef) ([]model.Issue, error)

	// ListIssueComments lists every comment on an issue or PR (auto-paginates).
	ListIssueComments(ctx context.Context, repo model.RepoRef, number int) ([]Comment, error)

	// AddLabels adds the given labels to an issue, ignoring ones already present.
	AddLabels(ctx context.Context, repo model.RepoRef, number int, labels []string) error

	// RemoveLabel removes a label from an issue. A missing label is not an error.
	RemoveLabel(ctx context.Context, repo model.RepoRef, number int, label string) error

	// EnsureLabelsExist creates any of the given labels that don't yet exist
	// in the repo, applying the given color, used by `agent-runner labels sync`.
	EnsureLabelsExist(ctx context.Context, repo model.RepoRef, labels []string, color string) error

	// PostComment posts a plain issue/PR comment.
	PostComment(ctx context.Context, repo model.RepoRef, number int, body string) error

	// SearchAgentRunComments finds /agent run comments across a repo created
	// since a given time, paired with the issues they were posted on, for
	// webhook catch-up (§4.1 step 5).
	SearchAgentRunComments(ctx context.Context, repo model.RepoRef, sinceUnix int64) ([]TriggeredIssue, error)

	// ListOpenPRTitles lists the titles of every open pull request in a repo,
	// for the idle planner's duplicate-work guard (§4.4 step 6).
	ListOpenPRTitles(ctx context.Context, repo model.RepoRef) ([]string, error)

	// ListRepositoriesForOwner lists every repository owned by owner, for
	// the "all" repo-discovery mode (§4.1 step 1).
	ListRepositoriesForOwner(ctx context.Context, owner string) ([]model.RepoRef, error)

	// PullRequestStatus reports whether a PR is merged/closed and its
	// current review disposition, for the managed-PR follow-up scan
	// (§4.1 step 7).
	PullRequestStatus(ctx context.Context, repo model.RepoRef, number int) (PRStatus, error)
}

// PRStatus is the subset of a pull request's state the managed-PR
// follow-up scan and drain need: identity (for re-queuing the PR as a unit
// of work), whether it's merged, and its most recent review disposition
// (empty if no reviews have been submitted).
type PRStatus struct {
	ID                          int64
	Title                       string
	URL                         string
	Merged                      bool
	State                       string // "open", "closed"
	LatestReview                string // "approved", "changes_requested", "commented", or ""
	HasUnresolvedReviewComments bool
}

type clientImpl struct {
	gh    *github.Client
	token string
}

// NewClient creates a GitHub API client authenticated with the given token.
// Returns nil if token is empty, matching the teacher's NewClient.
func NewClient(token string) Client {
	if token == "" {
		return nil
	}
	return &clientImpl{gh: github.NewClient(nil).WithAuthToken(token), token: token}
}

// NewClientWithGitHub builds a Client around an existing *github.Client, for
// tests that point at an httptest server.
func NewClientWithGitHub(gh *github.Client) Client {
	return &clientImpl{gh: gh}
}

func (c *clientImpl) RequestReviewers(ctx context.Context, repo model.RepoRef, number int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	_, _, err := c.gh.PullRequests.RequestReviewers(ctx, repo.Owner, repo.Name, number, github.ReviewersRequest{Reviewers: reviewers})
	return errors.Wrapf(err, "requesting reviewers on %s#%d", repo, number)
}

func (c *clientImpl) listReviews(ctx context.Context, repo model.RepoRef, number int) ([]*github.PullRequestReview, error) {
	var all []*github.PullRequestReview
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *clientImpl) MarkPRReadyForReview(ctx context.Context, repo model.RepoRef, number int) error {
	pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return errors.Wrap(err, "failed to get PR")
	}
	if !pr.GetDraft() {
		return nil
	}

	draft := false
	_, _, restErr := c.gh.PullRequests.Edit(ctx, repo.Owner, repo.Name, number, &github.PullRequest{Draft: &draft})
	if restErr == nil {
		updated, _, verifyErr := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
		if verifyErr == nil && !updated.GetDraft() {
			return nil
		}
	}

	nodeID := pr.GetNodeID()
	if nodeID == "" {
		return errors.Errorf("PR %d has no node ID; REST also failed: %v", number, restErr)
	}
	return c.graphqlMarkReady(ctx, nodeID)
}

func (c *clientImpl) MergePullRequest(ctx context.Context, repo model.RepoRef, number int) error {
	result, _, err := c.gh.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, "", &github.PullRequestOptions{MergeMethod: "squash"})
	if err != nil {
		return errors.Wrapf(err, "merging %s#%d", repo, number)
	}
	if !result.GetMerged() {
		return errors.Errorf("merge of %s#%d was not performed: %s", repo, number, result.GetMessage())
	}
	return nil
}

func (c *clientImpl) graphqlMarkReady(ctx context.Context, pullRequestNodeID string) error {
	query := `mutation($id: ID!) {
		markPullRequestReadyForReview(input: {pullRequestId: $id}) {
			pullRequest { isDraft }
		}
	}`
	payload := map[string]any{"query": query, "variables": map[string]string{"id": pullRequestNodeID}}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal GraphQL request")
	}

	graphqlURL := "https://api.github.com/graphql"
	if base := c.gh.BaseURL.String(); base != "" && base != "https://api.github.com/" {
		graphqlURL = base + "graphql"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphqlURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create GraphQL request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "GraphQL request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.Errorf("GraphQL returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil
	}
	if len(result.Errors) > 0 {
		return errors.Errorf("GraphQL error: %s", result.Errors[0].Message)
	}
	return nil
}

func (c *clientImpl) ListOpenIssuesAndPRs(ctx context.Context, repo model.RepoRef) ([]model.Issue, error) {
	var out []model.Issue
	opts := &github.IssueListByRepoOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "listing issues for %s", repo)
		}
		for _, gi := range issues {
			out = append(out, toModelIssue(repo, gi))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func toModelIssue(repo model.RepoRef, gi *github.Issue) model.Issue {
	labels := make([]string, 0, len(gi.Labels))
	for _, l := range gi.Labels {
		labels = append(labels, l.GetName())
	}
	return model.Issue{
		ID:            strconv.FormatInt(gi.GetID(), 10),
		Number:        gi.GetNumber(),
		Title:         gi.GetTitle(),
		Body:          gi.GetBody(),
		Author:        gi.GetUser().GetLogin(),
		Repo:          repo,
		Labels:        labels,
		URL:           gi.GetHTMLURL(),
		IsPullRequest: gi.IsPullRequest(),
	}
}

func (c *clientImpl) ListIssueComments(ctx context.Context, repo model.RepoRef, number int) ([]Comment, error) {
	var out []Comment
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "listing comments for %s#%d", repo, number)
		}
		for _, gc := range comments {
			out = append(out, toModelComment(gc))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func toModelComment(gc *github.IssueComment) Comment {
	return Comment{
		ID:            gc.GetID(),
		Body:          gc.GetBody(),
		Author:        gc.GetUser().GetLogin(),
		AuthorIsBot:   gc.GetUser().GetType() == "Bot",
		AuthorAssoc:   gc.GetAuthorAssociation(),
		CreatedAtUnix: gc.GetCreatedAt().Unix(),
	}
}

func (c *clientImpl) AddLabels(ctx context.Context, repo model.RepoRef, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, labels)
	return errors.Wrapf(err, "adding labels %v to %s#%d", labels, repo, number)
}

func (c *clientImpl) RemoveLabel(ctx context.Context, repo model.RepoRef, number int, label string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
	if err != nil {
		if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return nil
		}
	}
	return errors.Wrapf(err, "removing label %q from %s#%d", label, repo, number)
}

func (c *clientImpl) EnsureLabelsExist(ctx context.Context, repo model.RepoRef, labels []string, color string) error {
	for _, name := range labels {
		_, _, err := c.gh.Issues.GetLabel(ctx, repo.Owner, repo.Name, name)
		if err == nil {
			continue
		}
		if ghErr, ok := err.(*github.ErrorResponse); !ok || ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusNotFound {
			return errors.Wrapf(err, "checking label %q", name)
		}
		_, _, err = c.gh.Issues.CreateLabel(ctx, repo.Owner, repo.Name, &github.Label{Name: github.Ptr(name), Color: github.Ptr(color)})
		if err != nil {
			return errors.Wrapf(err, "creating label %q", name)
		}
	}
	return nil
}

func (c *clientImpl) PostComment(ctx context.Context, repo model.RepoRef, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: github.Ptr(body)})
	return errors.Wrapf(err, "posting comment on %s#%d", repo, number)
}

func (c *clientImpl) SearchAgentRunComments(ctx context.Context, repo model.RepoRef, sinceUnix int64) ([]TriggeredIssue, error) {
	issues, err := c.ListOpenIssuesAndPRs(ctx, repo)
	if err != nil {
		return nil, err
	}
	var found []TriggeredIssue
	for _, issue := range issues {
		comments, err := c.ListIssueComments(ctx, repo, issue.Number)
		if err != nil {
			return nil, err
		}
		for _, cm := range comments {
			if cm.CreatedAtUnix < sinceUnix {
				continue
			}
			if IsAgentRunTrigger(cm) {
				found = append(found, TriggeredIssue{Comment: cm, Issue: issue})
			}
		}
	}
	return found, nil
}

func (c *clientImpl) ListOpenPRTitles(ctx context.Context, repo model.RepoRef) ([]string, error) {
	var out []string
	opts := &github.PullRequestListOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "listing open PRs for %s", repo)
		}
		for _, pr := range prs {
			out = append(out, pr.GetTitle())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *clientImpl) ListRepositoriesForOwner(ctx context.Context, owner string) ([]model.RepoRef, error) {
	var out []model.RepoRef
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Visibility:  "all",
		Affiliation: "owner,collaborator,organization_member",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		repos, resp, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "listing repositories for %s", owner)
		}
		for _, r := range repos {
			if r.GetOwner().GetLogin() != "" && !strings.EqualFold(r.GetOwner().GetLogin(), owner) {
				continue
			}
			out = append(out, model.RepoRef{Owner: r.GetOwner().GetLogin(), Name: r.GetName()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *clientImpl) PullRequestStatus(ctx context.Context, repo model.RepoRef, number int) (PRStatus, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return PRStatus{}, errors.Wrapf(err, "getting PR %s#%d", repo, number)
	}
	status := PRStatus{
		ID:     pr.GetID(),
		Title:  pr.GetTitle(),
		URL:    pr.GetHTMLURL(),
		Merged: pr.GetMerged(),
		State:  pr.GetState(),
	}

	reviews, err := c.listReviews(ctx, repo, number)
	if err != nil {
		return status, errors.Wrapf(err, "listing reviews for %s#%d", repo, number)
	}
	if len(reviews) > 0 {
		status.LatestReview = strings.ToLower(reviews[len(reviews)-1].GetState())
	}

	unresolved, err := c.hasUnresolvedReviewThreads(ctx, repo, number)
	if err != nil {
		return status, errors.Wrapf(err, "checking review threads for %s#%d", repo, number)
	}
	status.HasUnresolvedReviewComments = unresolved
	return status, nil
}

// hasUnresolvedReviewThreads queries GraphQL for the PR's review threads,
// since the REST API doesn't expose thread resolution state (only the
// individual comments), generalizing the teacher's graphqlMarkReady
// GraphQL-request shape to a query instead of a mutation.
func (c *clientImpl) hasUnresolvedReviewThreads(ctx context.Context, repo model.RepoRef, number int) (bool, error) {
	query := `query($owner: String!, $name: String!, $number: Int!) {
		repository(owner: $owner, name: $name) {
			pullRequest(number: $number) {
				reviewThreads(first: 100) {
					nodes { isResolved }
				}
			}
		}
	}`
	payload := map[string]any{
		"query": query,
		"variables": map[string]any{
			"owner": repo.Owner, "name": repo.Name, "number": number,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal GraphQL request")
	}

	graphqlURL := "https://api.github.com/graphql"
	if base := c.gh.BaseURL.String(); base != "" && base != "https://api.github.com/" {
		graphqlURL = base + "graphql"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphqlURL, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "failed to create GraphQL request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "GraphQL request failed")
	}
	defer resp.Body.Close()

	var result struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool `json:"isResolved"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, errors.Wrap(err, "failed to decode GraphQL response")
	}
	if len(result.Errors) > 0 {
		return false, errors.Errorf("GraphQL error: %s", result.Errors[0].Message)
	}
	for _, n := range result.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if !n.IsResolved {
			return true, nil
		}
	}
	return false, nil
}

// IsAgentRunTrigger reports whether a comment is an authorized "/agent run"
// trigger: the literal substring on its own line, from an owner, member, or
// collaborator (§6).
func IsAgentRunTrigger(c Comment) bool {
	if !authorizedAssociations[strings.ToUpper(c.AuthorAssoc)] {
		return false
	}
	for _, line := range strings.Split(c.Body, "\n") {
		if strings.TrimSpace(line) == AgentRunTrigger {
			return true
		}
	}
	return false
}

var prURLRegex = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// PRReference is the parsed form of a GitHub PR URL.
type PRReference struct {
	Owner  string
	Repo   string
	Number int
}

// ParsePRURL parses a GitHub pull request URL into owner, repo, and number.
func ParsePRURL(rawURL string) (*PRReference, error) {
	matches := prURLRegex.FindStringSubmatch(rawURL)
	if matches == nil {
		return nil, fmt.Errorf("invalid GitHub PR URL: %q", rawURL)
	}
	number, err := strconv.Atoi(matches[3])
	if err != nil {
		return nil, fmt.Errorf("invalid PR number in URL %q: %w", rawURL, err)
	}
	return &PRReference{Owner: matches[1], Repo: matches[2], Number: number}, nil
}
