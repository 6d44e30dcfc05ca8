package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURLPath = "/api-v3"

func setup(t *testing.T) (client Client, mux *http.ServeMux) {
	t.Helper()

	mux = http.NewServeMux()
	apiHandler := http.NewServeMux()
	apiHandler.Handle(baseURLPath+"/", http.StripPrefix(baseURLPath, mux))

	server := httptest.NewServer(apiHandler)
	t.Cleanup(server.Close)

	ghClient := github.NewClient(nil)
	u, _ := url.Parse(server.URL + baseURLPath + "/")
	ghClient.BaseURL = u

	return NewClientWithGitHub(ghClient), mux
}

func TestListOpenIssuesAndPRs(t *testing.T) {
	client, mux := setup(t)
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	mux.HandleFunc("/repos/metyatech/demo/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		_, _ = fmt.Fprint(w, `[{"id":1,"number":5,"title":"bug","labels":[{"name":"agent-runner:queued"}],"html_url":"https://github.com/metyatech/demo/issues/5"}]`)
	})

	issues, err := client.ListOpenIssuesAndPRs(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 5, issues[0].Number)
	assert.True(t, issues[0].HasLabel("agent-runner:queued"))
	assert.False(t, issues[0].IsPullRequest)
}

func TestListIssueComments(t *testing.T) {
	client, mux := setup(t)
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	mux.HandleFunc("/repos/metyatech/demo/issues/5/comments", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `[{"id":9,"body":"/agent run","user":{"login":"octocat","type":"User"},"author_association":"OWNER","created_at":"2026-02-11T10:00:00Z"}]`)
	})

	comments, err := client.ListIssueComments(context.Background(), repo, 5)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, IsAgentRunTrigger(comments[0]))
}

func TestIsAgentRunTrigger_RejectsUnauthorizedAssociation(t *testing.T) {
	c := Comment{Body: "/agent run", AuthorAssoc: "NONE"}
	assert.False(t, IsAgentRunTrigger(c))
}

func TestIsAgentRunTrigger_RequiresOwnLine(t *testing.T) {
	c := Comment{Body: "please /agent run this", AuthorAssoc: "OWNER"}
	assert.False(t, IsAgentRunTrigger(c))
}

func TestAddLabels(t *testing.T) {
	client, mux := setup(t)
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	mux.HandleFunc("/repos/metyatech/demo/issues/5/labels", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = fmt.Fprint(w, `[]`)
	})

	err := client.AddLabels(context.Background(), repo, 5, []string{"agent-runner:running"})
	require.NoError(t, err)
}

func TestAddLabels_NoopOnEmpty(t *testing.T) {
	client, mux := setup(t)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL)
	})
	err := client.AddLabels(context.Background(), model.RepoRef{Owner: "o", Name: "r"}, 5, nil)
	require.NoError(t, err)
}

func TestRemoveLabel_MissingLabelIsNotAnError(t *testing.T) {
	client, mux := setup(t)
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	mux.HandleFunc("/repos/metyatech/demo/issues/5/labels/agent-runner%3Aqueued", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	err := client.RemoveLabel(context.Background(), repo, 5, "agent-runner:queued")
	require.NoError(t, err)
}

func TestMergePullRequest(t *testing.T) {
	client, mux := setup(t)
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	mux.HandleFunc("/repos/metyatech/demo/pulls/42/merge", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_, _ = fmt.Fprint(w, `{"merged":true,"message":"Pull Request successfully merged"}`)
	})

	require.NoError(t, client.MergePullRequest(context.Background(), repo, 42))
}

func TestMergePullRequest_NotMergedIsAnError(t *testing.T) {
	client, mux := setup(t)
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	mux.HandleFunc("/repos/metyatech/demo/pulls/42/merge", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"merged":false,"message":"Base branch was modified"}`)
	})

	err := client.MergePullRequest(context.Background(), repo, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Base branch was modified")
}

func TestRequestReviewers_NoopOnEmpty(t *testing.T) {
	client, mux := setup(t)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL)
	})
	require.NoError(t, client.RequestReviewers(context.Background(), model.RepoRef{Owner: "o", Name: "r"}, 5, nil))
}

func TestParsePRURL(t *testing.T) {
	ref, err := ParsePRURL("https://github.com/metyatech/demo/pull/42")
	require.NoError(t, err)
	assert.Equal(t, "metyatech", ref.Owner)
	assert.Equal(t, "demo", ref.Repo)
	assert.Equal(t, 42, ref.Number)
}

func TestParsePRURL_Invalid(t *testing.T) {
	_, err := ParsePRURL("not a url")
	assert.Error(t, err)
}
