package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
)

func newTestConnector(t *testing.T, mux *http.ServeMux) *Connector {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := github.NewClient(nil)
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL
	return NewConnectorWithClient(client)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func widgetsMux(readmeStatus int) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"name":"widgets","description":"Widget factory","default_branch":"main",
			"html_url":"https://github.com/acme/widgets","stargazers_count":42,"forks_count":3,"topics":["go","widgets"]}`)
	})
	mux.HandleFunc("/repos/acme/widgets/languages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"Shell":300,"Go":9000}`)
	})
	mux.HandleFunc("/repos/acme/widgets/readme", func(w http.ResponseWriter, r *http.Request) {
		if readmeStatus != http.StatusOK {
			writeJSON(w, readmeStatus, `{"message":"Not Found"}`)
			return
		}
		content := base64.StdEncoding.EncodeToString([]byte("# Widgets\nBuilds widgets."))
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"type":"file","encoding":"base64","content":%q}`, content))
	})
	mux.HandleFunc("/repos/acme/widgets/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"abc","truncated":false,"tree":[
			{"path":"cmd","type":"tree"},
			{"path":"cmd/widgets/main.go","type":"blob","size":120},
			{"path":"internal","type":"tree"},
			{"path":"internal/app.go","type":"blob","size":200},
			{"path":"logo.png","type":"blob","size":5},
			{"path":"vendor","type":"tree"},
			{"path":"vendor/lib/lib.go","type":"blob","size":10}
		]}`)
	})
	return mux
}

func TestGetRepository(t *testing.T) {
	connector := newTestConnector(t, widgetsMux(http.StatusOK))

	repo, err := connector.GetRepository(context.Background(), "acme", "widgets", "", 0)
	require.NoError(t, err)

	assert.Equal(t, "widgets", repo.Name)
	assert.Equal(t, "main", repo.Ref, "empty ref resolves to the default branch")
	assert.Equal(t, 42, repo.Stars)
	assert.Equal(t, []string{"go", "widgets"}, repo.Topics)
	assert.Equal(t, []Language{{Name: "Go", Bytes: 9000}, {Name: "Shell", Bytes: 300}}, repo.Languages)
	assert.Contains(t, repo.README, "Builds widgets.")

	paths := make([]string, 0, len(repo.Tree))
	for _, entry := range repo.Tree {
		paths = append(paths, entry.Path)
	}
	assert.Equal(t, []string{"cmd", "cmd/widgets/main.go", "internal", "internal/app.go"}, paths)
	assert.Equal(t, []string{"cmd", "internal"}, repo.TopLevelDirectories())
	assert.Equal(t, []string{"internal/app.go"}, repo.FilesUnder("internal", 10))
	assert.False(t, repo.Truncated)
}

func TestGetRepository_LimitsTree(t *testing.T) {
	connector := newTestConnector(t, widgetsMux(http.StatusOK))

	repo, err := connector.GetRepository(context.Background(), "acme", "widgets", "main", 2)
	require.NoError(t, err)
	assert.Len(t, repo.Tree, 2)
	assert.True(t, repo.Truncated)
}

func TestGetRepository_MissingReadme(t *testing.T) {
	connector := newTestConnector(t, widgetsMux(http.StatusNotFound))

	repo, err := connector.GetRepository(context.Background(), "acme", "widgets", "", 0)
	require.NoError(t, err)
	assert.Empty(t, repo.README)
}

func TestGetRepository_ClassifiesErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/secret", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"Bad credentials"}`)
	})
	mux.HandleFunc("/repos/acme/flaky", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{"message":"Server Error"}`)
	})
	connector := newTestConnector(t, mux)

	_, err := connector.GetRepository(context.Background(), "acme", "secret", "", 0)
	require.Error(t, err)
	ee, ok := models.AsExternalError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindAuth, ee.Kind)
	assert.False(t, ee.Transient())

	_, err = connector.GetRepository(context.Background(), "acme", "flaky", "", 0)
	ee, ok = models.AsExternalError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindServiceUnavailable, ee.Kind)
	assert.True(t, ee.Transient())
}

func TestNewConnector(t *testing.T) {
	assert.NotNil(t, NewConnector(common.GitHubConfig{}))
	assert.NotNil(t, NewConnector(common.GitHubConfig{Token: "ghp_example"}))
}

func TestShouldExclude(t *testing.T) {
	assert.True(t, shouldExclude("vendor", DefaultExcludePaths))
	assert.True(t, shouldExclude("web/node_modules/react/index.js", DefaultExcludePaths))
	assert.False(t, shouldExclude("internal/vendoring.go", DefaultExcludePaths))
}
