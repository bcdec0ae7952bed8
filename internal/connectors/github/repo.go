package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/go-github/v57/github"
)

// DefaultExcludePaths are skipped when listing a repository tree
var DefaultExcludePaths = []string{"vendor/", "node_modules/", ".git/", "dist/", "third_party/"}

// TreeEntry is one file or directory of a repository tree
type TreeEntry struct {
	Path string
	Type string // blob or tree
	Size int
}

// Language is a language and its share of the codebase in bytes
type Language struct {
	Name  string
	Bytes int
}

// Repository is the material gathered for an analysis
type Repository struct {
	Owner         string
	Name          string
	Description   string
	DefaultBranch string
	Ref           string
	URL           string
	Stars         int
	Forks         int
	OpenIssues    int
	Topics        []string
	Languages     []Language
	README        string
	Tree          []TreeEntry
	// Truncated is set when GitHub or maxEntries cut the tree short
	Truncated bool
}

// GetRepository fetches metadata, languages, README and the file tree at ref.
// An empty ref means the default branch. A missing README is not an error.
func (c *Connector) GetRepository(ctx context.Context, owner, repo, ref string, maxEntries int) (*Repository, error) {
	meta, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", owner, repo, classifyError(err))
	}

	result := &Repository{
		Owner:         owner,
		Name:          meta.GetName(),
		Description:   meta.GetDescription(),
		DefaultBranch: meta.GetDefaultBranch(),
		Ref:           ref,
		URL:           meta.GetHTMLURL(),
		Stars:         meta.GetStargazersCount(),
		Forks:         meta.GetForksCount(),
		OpenIssues:    meta.GetOpenIssuesCount(),
		Topics:        meta.Topics,
	}
	if result.Ref == "" {
		result.Ref = result.DefaultBranch
	}

	languages, _, err := c.client.Repositories.ListLanguages(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to list languages: %w", classifyError(err))
	}
	for name, bytes := range languages {
		result.Languages = append(result.Languages, Language{Name: name, Bytes: bytes})
	}
	sort.Slice(result.Languages, func(i, j int) bool {
		if result.Languages[i].Bytes != result.Languages[j].Bytes {
			return result.Languages[i].Bytes > result.Languages[j].Bytes
		}
		return result.Languages[i].Name < result.Languages[j].Name
	})

	readme, err := c.getReadme(ctx, owner, repo, result.Ref)
	if err != nil {
		return nil, err
	}
	result.README = readme

	tree, truncated, err := c.listTree(ctx, owner, repo, result.Ref, DefaultExcludePaths, maxEntries)
	if err != nil {
		return nil, err
	}
	result.Tree = tree
	result.Truncated = truncated

	return result, nil
}

func (c *Connector) getReadme(ctx context.Context, owner, repo, ref string) (string, error) {
	content, _, err := c.client.Repositories.GetReadme(ctx, owner, repo, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get README: %w", classifyError(err))
	}

	decoded, err := content.GetContent()
	if err != nil {
		return "", fmt.Errorf("failed to decode README: %w", err)
	}
	return decoded, nil
}

// listTree returns the recursive tree at ref, skipping binaries and excluded paths
func (c *Connector) listTree(ctx context.Context, owner, repo, ref string, excludePaths []string, maxEntries int) ([]TreeEntry, bool, error) {
	tree, _, err := c.client.Git.GetTree(ctx, owner, repo, ref, true)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get tree: %w", classifyError(err))
	}

	truncated := tree.GetTruncated()
	var entries []TreeEntry
	for _, entry := range tree.Entries {
		path := entry.GetPath()
		if shouldExclude(path, excludePaths) {
			continue
		}
		if entry.GetType() == "blob" && isBinaryExtension(path) {
			continue
		}
		if maxEntries > 0 && len(entries) >= maxEntries {
			truncated = true
			break
		}
		entries = append(entries, TreeEntry{
			Path: path,
			Type: entry.GetType(),
			Size: entry.GetSize(),
		})
	}
	return entries, truncated, nil
}

// TopLevelDirectories returns the root directories of the tree in name order
func (r *Repository) TopLevelDirectories() []string {
	var dirs []string
	for _, entry := range r.Tree {
		if entry.Type == "tree" && !strings.Contains(entry.Path, "/") {
			dirs = append(dirs, entry.Path)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// FilesUnder returns blob paths below dir, at most limit of them
func (r *Repository) FilesUnder(dir string, limit int) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var files []string
	for _, entry := range r.Tree {
		if entry.Type != "blob" || !strings.HasPrefix(entry.Path, prefix) {
			continue
		}
		files = append(files, entry.Path)
		if limit > 0 && len(files) >= limit {
			break
		}
	}
	return files
}

// shouldExclude checks if a path should be excluded
func shouldExclude(path string, excludePaths []string) bool {
	for _, exclude := range excludePaths {
		// Handle directory exclusion (e.g., "vendor/")
		if strings.HasSuffix(exclude, "/") {
			if strings.HasPrefix(path, exclude) || strings.Contains(path, "/"+exclude) || path == strings.TrimSuffix(exclude, "/") {
				return true
			}
		} else if strings.Contains(path, exclude) {
			return true
		}
	}
	return false
}

// isBinaryExtension checks if a file is likely binary based on extension
func isBinaryExtension(path string) bool {
	binaryExts := map[string]bool{
		".exe": true, ".dll": true, ".so": true, ".dylib": true,
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".svg": true,
		".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
		".zip": true, ".tar": true, ".gz": true, ".rar": true, ".7z": true,
		".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
		".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true,
		".pyc": true, ".pyo": true, ".class": true, ".o": true, ".a": true,
		".lock": true, // package locks are often large and not useful
	}
	ext := strings.ToLower(filepath.Ext(path))
	return binaryExts[ext]
}
