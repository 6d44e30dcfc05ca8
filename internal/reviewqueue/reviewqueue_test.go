package reviewqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/model"
)

func testEvent() Event {
	return Event{
		Repo:              model.RepoRef{Owner: "metyatech", Name: "demo"},
		PRNumber:          42,
		URL:               "https://github.com/metyatech/demo/pull/42",
		AuthorLogin:       "alice",
		AuthorAssociation: "OWNER",
	}
}

func TestClassifyApproval(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.State = "approved"

	entry, ok := c.Classify(e)
	require.True(t, ok)
	assert.Equal(t, model.ReviewFollowupApproval, entry.Reason)
	assert.False(t, entry.RequiresEngine)
	assert.Equal(t, 42, entry.PRNumber)
}

func TestClassifySatisfiedMarkerBodyIsApproval(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.State = "commented"
	e.Body = "**Actionable comments posted: 0**\n\nLGTM overall."

	entry, ok := c.Classify(e)
	require.True(t, ok)
	assert.Equal(t, model.ReviewFollowupApproval, entry.Reason)
	assert.False(t, entry.RequiresEngine)
}

func TestClassifyChangesRequested(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.State = "changes_requested"

	entry, ok := c.Classify(e)
	require.True(t, ok)
	assert.Equal(t, model.ReviewFollowupReview, entry.Reason)
	assert.True(t, entry.RequiresEngine)
}

func TestClassifyCommentedWithBody(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.State = "commented"
	e.Body = "please rename this function"

	entry, ok := c.Classify(e)
	require.True(t, ok)
	assert.Equal(t, model.ReviewFollowupReview, entry.Reason)
	assert.True(t, entry.RequiresEngine)
}

func TestClassifyEmptyCommentedIsDropped(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.State = "commented"
	e.Body = "   "

	_, ok := c.Classify(e)
	assert.False(t, ok)
}

func TestClassifyReviewComment(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.IsReviewComment = true
	e.Body = "nit: off-by-one here"

	entry, ok := c.Classify(e)
	require.True(t, ok)
	assert.Equal(t, model.ReviewFollowupReviewComment, entry.Reason)
	assert.True(t, entry.RequiresEngine)
}

func TestClassifyDropsUnrecognizedBots(t *testing.T) {
	c := &Classifier{RecognizedBots: []string{"coderabbitai[bot]"}}

	e := testEvent()
	e.State = "changes_requested"
	e.AuthorIsBot = true
	e.AuthorLogin = "some-other-bot[bot]"
	_, ok := c.Classify(e)
	assert.False(t, ok)

	e.AuthorLogin = "CodeRabbitAI[bot]"
	_, ok = c.Classify(e)
	assert.True(t, ok, "recognized bot names match case-insensitively")
}

func TestClassifyDropsNonCollaborators(t *testing.T) {
	c := &Classifier{}
	e := testEvent()
	e.State = "changes_requested"
	e.AuthorAssociation = "NONE"

	_, ok := c.Classify(e)
	assert.False(t, ok)

	for _, assoc := range []string{"OWNER", "MEMBER", "COLLABORATOR", "collaborator"} {
		e.AuthorAssociation = assoc
		_, ok := c.Classify(e)
		assert.True(t, ok, "association %q must be allowed", assoc)
	}
}
