package scrape

import (
	"net/url"

	"github.com/trawlerhq/trawler/internal/trawler"
)

// classifyDiscoveries resolves raw anchors and image refs against the page
// URL and classifies each link relative to the page host. Unresolvable
// entries are kept with their raw URL and an unknown type so callers can
// still see them.
func classifyDiscoveries(pageURL string, fetched *trawler.FetchResult) ([]trawler.Link, []trawler.Image) {
	base, err := url.Parse(pageURL)
	baseHost := ""
	if err == nil {
		baseHost = base.Host
	}

	var links []trawler.Link
	for _, raw := range fetched.Links {
		abs, err := trawler.ResolveURL(pageURL, raw.URL)
		if err != nil {
			links = append(links, trawler.Link{URL: raw.URL, Text: raw.Text, Type: trawler.LinkUnknown})
			continue
		}
		links = append(links, trawler.Link{
			URL:  abs,
			Text: raw.Text,
			Type: trawler.ClassifyLink(baseHost, abs),
		})
	}

	var images []trawler.Image
	for _, raw := range fetched.Images {
		abs, err := trawler.ResolveURL(pageURL, raw.URL)
		if err != nil {
			images = append(images, trawler.Image{URL: raw.URL, Alt: raw.Alt})
			continue
		}
		images = append(images, trawler.Image{URL: abs, Alt: raw.Alt})
	}
	return links, images
}
