package materialize

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"auctus/internal/types"
)

const fetchTimeout = 10 * time.Minute

func init() {
	client := &http.Client{Timeout: fetchTimeout}
	RegisterFetcher("direct_url", &urlFetcher{client: client})
	RegisterFetcher("url", &urlFetcher{client: client})
	RegisterFetcher("page", &pageFetcher{client: client})
}

// urlFetcher streams a single HTTP resource.
type urlFetcher struct {
	client *http.Client
}

func (f *urlFetcher) Fetch(ctx context.Context, mat *types.Materialization, dest io.Writer) error {
	u := mat.DirectURL
	if u == "" {
		u, _ = mat.Extra["url"].(string)
	}
	if u == "" {
		return fmt.Errorf("materialize: descriptor %q has no url", mat.Identifier)
	}
	return fetchURL(ctx, f.client, u, dest)
}

// pageFetcher scrapes an HTML landing page for the actual data link.
// Extra carries the page "url" and optionally a CSS "selector"; without
// one the first link ending in .csv wins.
type pageFetcher struct {
	client *http.Client
}

func (f *pageFetcher) Fetch(ctx context.Context, mat *types.Materialization, dest io.Writer) error {
	pageURL, _ := mat.Extra["url"].(string)
	if pageURL == "" {
		return fmt.Errorf("materialize: descriptor %q has no url", mat.Identifier)
	}
	selector, _ := mat.Extra["selector"].(string)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("materialize: fetch page %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("materialize: fetch page %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("materialize: parse page %s: %w", pageURL, err)
	}

	link := findDataLink(doc, selector)
	if link == "" {
		return fmt.Errorf("materialize: no data link on page %s", pageURL)
	}
	abs, err := resolveLink(pageURL, link)
	if err != nil {
		return err
	}
	return fetchURL(ctx, f.client, abs, dest)
}

func findDataLink(doc *goquery.Document, selector string) string {
	if selector != "" {
		if href, ok := doc.Find(selector).First().Attr("href"); ok {
			return href
		}
		return ""
	}
	var link string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if strings.HasSuffix(strings.ToLower(href), ".csv") {
			link = href
			return false
		}
		return true
	})
	return link
}

func resolveLink(base, href string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	hu, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return bu.ResolveReference(hu).String(), nil
}

func fetchURL(ctx context.Context, client *http.Client, u string, dest io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("materialize: fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("materialize: fetch %s: status %d", u, resp.StatusCode)
	}
	_, err = io.Copy(dest, resp.Body)
	return err
}
