package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Page is one fetched and parsed unit of source content.
type Page struct {
	URL   string
	Title string
	Text  string
	Links []string
	Depth int
}

// Fetcher is a plain HTTP content source. Stealth crawling lives out of
// process; this adapter only covers directly reachable pages.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Fetch retrieves one page and extracts its title, readable text and
// same-host links.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "lorebase-ingester/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text") {
		return nil, fmt.Errorf("fetch %s: unsupported content type %s", pageURL, contentType)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	page := &Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find("script,style,nav,footer,noscript").Remove()

	// Prefer the article/main region when the page declares one.
	sel := doc.Find("article,main").First()
	if sel.Length() == 0 {
		sel = doc.Find("body").First()
	}

	var parts []string
	sel.Find("h1,h2,h3,h4,p,li,pre,td").Each(func(_ int, s *goquery.Selection) {
		t := strings.TrimSpace(s.Text())
		if t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		parts = append(parts, strings.TrimSpace(sel.Text()))
	}
	page.Text = strings.Join(parts, "\n\n")

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs := resolveLink(pageURL, href); abs != "" {
			page.Links = append(page.Links, abs)
		}
	})

	slog.DebugContext(ctx, "page fetched", "url", pageURL, "chars", len(page.Text), "links", len(page.Links))
	return page, nil
}

func resolveLink(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	baseU, err := url.Parse(base)
	if err != nil {
		return ""
	}
	refU, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := baseU.ResolveReference(refU)
	abs.Fragment = ""
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// FilterLinks keeps same-host links below the depth limit, dropping
// duplicates and anything matching an exclusion pattern.
func FilterLinks(host string, links []string, currentDepth, maxDepth int, exclusions []string) []string {
	if currentDepth >= maxDepth {
		return nil
	}

	var kept []string
	seen := make(map[string]bool)

	for _, link := range links {
		linkU, err := url.Parse(link)
		if err != nil || linkU.Host != host {
			continue
		}

		linkU.Fragment = ""
		normalized := linkU.String()

		excluded := false
		for _, ex := range exclusions {
			if matched, _ := regexp.MatchString(ex, normalized); matched {
				excluded = true
				break
			}
		}
		if excluded || seen[normalized] {
			continue
		}
		seen[normalized] = true
		kept = append(kept, normalized)
	}
	return kept
}
