package transform

import (
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// Document is normalized source text ready for chunking
type Document struct {
	Title    string
	Markdown string
}

// Service converts submitted documents into markdown
type Service struct {
	logger arbor.ILogger
}

// NewService creates a new transform service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		logger: logger,
	}
}

// HTMLToDocument strips non-content elements, extracts the title and converts the
// body to markdown. baseURL is used for resolving relative links and may be empty.
func (s *Service) HTMLToDocument(html string, baseURL string) (Document, error) {
	if strings.TrimSpace(html) == "" {
		return Document{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := extractTitle(doc)
	doc.Find("script, style, noscript, iframe, nav, footer, head").Remove()

	cleaned, err := doc.Html()
	if err != nil {
		return Document{}, fmt.Errorf("failed to render cleaned HTML: %w", err)
	}

	markdown, err := s.HTMLToMarkdown(cleaned, baseURL)
	if err != nil {
		return Document{}, err
	}
	return Document{Title: title, Markdown: markdown}, nil
}

// HTMLToMarkdown converts HTML content to markdown.
// Conversion failures fall back to tag stripping rather than failing the document.
func (s *Service) HTMLToMarkdown(html string, baseURL string) (string, error) {
	if html == "" {
		return "", nil
	}

	s.logger.Debug().
		Int("html_length", len(html)).
		Str("base_url", baseURL).
		Msg("Converting HTML to markdown")

	mdConverter := md.NewConverter(baseURL, true, nil)
	converted, err := mdConverter.ConvertString(html)
	if err != nil {
		s.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, using fallback")
		return stripHTMLTags(html), nil
	}

	trimmed := strings.TrimSpace(blankLines.ReplaceAllString(converted, "\n\n"))
	if trimmed == "" {
		s.logger.Warn().
			Int("html_length", len(html)).
			Msg("HTML to markdown conversion produced empty output, applying fallback")
		return stripHTMLTags(html), nil
	}

	s.logger.Debug().
		Int("markdown_length", len(trimmed)).
		Int("html_length", len(html)).
		Msg("HTML to markdown conversion successful")

	return trimmed, nil
}

// LooksLikeHTML reports whether content appears to be an HTML document or fragment
func LooksLikeHTML(content string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	if !strings.HasPrefix(trimmed, "<") {
		return false
	}
	for _, marker := range []string{"<html", "<!doctype", "<body", "<p", "<div", "<h1", "<article"} {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists && strings.TrimSpace(ogTitle) != "" {
		return strings.TrimSpace(ogTitle)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// stripHTMLTags removes basic HTML tags for fallback cases
func stripHTMLTags(htmlStr string) string {
	stripped := tagPattern.ReplaceAllString(htmlStr, "")
	cleaned := spacePattern.ReplaceAllString(stripped, " ")

	// Decode HTML entities (basic set)
	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}
