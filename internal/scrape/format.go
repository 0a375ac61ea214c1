package scrape

import (
	"fmt"
	"strings"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// formatContent shapes the fetched content for the requested output format.
// Extracted data rides along regardless of format.
func formatContent(fetched *trawler.FetchResult, format string) trawler.Content {
	content := trawler.Content{Extracted: fetched.Extracted}
	switch strings.ToLower(format) {
	case "html":
		content.HTML = fetched.HTML
	case "text":
		content.Text = fetched.Text
	case "json":
		content.Markdown = markdownOf(fetched)
		content.HTML = fetched.HTML
		content.Text = fetched.Text
	default: // markdown
		content.Markdown = markdownOf(fetched)
	}
	return content
}

// markdownOf returns the backend's markdown rendition when it produced one,
// falling back to a minimal title-plus-text document.
func markdownOf(fetched *trawler.FetchResult) string {
	if fetched.Markdown != "" {
		return fetched.Markdown
	}
	if fetched.Title == "" {
		return fetched.Text
	}
	if fetched.Text == "" {
		return fmt.Sprintf("# %s", fetched.Title)
	}
	return fmt.Sprintf("# %s\n\n%s", fetched.Title, fetched.Text)
}
