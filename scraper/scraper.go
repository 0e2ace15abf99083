// Package scraper fetches recent posts of public channels from their web preview.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the public channel preview endpoint.
const DefaultBaseURL = "https://t.me/s/"

// Post is one message parsed from a channel preview page.
type Post struct {
	ID      string
	Channel string // Channel username as shown in data-post
	Text    string
	Date    time.Time
	Edited  bool // Preview marks edits but does not expose the edit time
}

// StatusError is a non-OK HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// IsPermanent reports whether an error is a client error that retrying will not fix.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// Scraper fetches and parses channel preview pages.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a new scraper. An empty baseURL uses DefaultBaseURL.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Scraper {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Scraper{
		client:  client,
		logger:  logger,
		baseURL: baseURL,
	}
}

// Recent returns up to limit of the newest posts of a channel, oldest first.
func (s *Scraper) Recent(ctx context.Context, username string, limit int) ([]*Post, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, errors.New("empty channel username")
	}
	if limit <= 0 {
		return nil, nil
	}

	s.logger.Info("Starting history fetch", "channel", username, "limit", limit)

	seen := make(map[string]*Post)
	before := 0
	for page := 1; len(seen) < limit; page++ {
		posts, err := s.fetchPage(ctx, s.pageURL(username, before))
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("fetch first page: %w", err)
			}
			// Keep what we have; older pages are best effort.
			s.logger.Warn("Failed to fetch older page, stopping", "channel", username, "before", before, "error", err)
			break
		}

		oldest := 0
		added := 0
		for _, p := range posts {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = p
			added++
			if n, err := strconv.Atoi(p.ID); err == nil && (oldest == 0 || n < oldest) {
				oldest = n
			}
		}

		s.logger.Info("History page fetched",
			"channel", username,
			"page", page,
			"posts_on_page", len(posts),
			"new_posts", added,
			"total", len(seen))

		// Stop at the start of the channel or when paging makes no progress.
		if added == 0 || oldest <= 1 || (before != 0 && oldest >= before) {
			break
		}
		before = oldest
	}

	out := make([]*Post, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sortPosts(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Scraper) pageURL(username string, before int) string {
	u := s.baseURL + url.PathEscape(username)
	if before > 0 {
		u += "?before=" + strconv.Itoa(before)
	}
	return u
}

func (s *Scraper) fetchPage(ctx context.Context, pageURL string) ([]*Post, error) {
	var posts []*Post

	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_channel_preview")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &StatusError{URL: pageURL, Code: resp.StatusCode}
			}

			posts, err = parsePage(resp.Body)
			if err != nil {
				s.logger.Error("Failed to parse HTML", "url", pageURL, "error", err)
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsPermanent(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return posts, nil
}

func parsePage(body io.Reader) ([]*Post, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var posts []*Post
	doc.Find("div.tgme_widget_message[data-post]").Each(func(_ int, sel *goquery.Selection) {
		dataPost, _ := sel.Attr("data-post")
		channel, id, ok := strings.Cut(dataPost, "/")
		if !ok || id == "" {
			return
		}

		textSel := sel.Find("div.tgme_widget_message_text").First()
		textSel.Find("br").ReplaceWithHtml("\n")
		text := strings.TrimSpace(textSel.Text())

		var date time.Time
		if raw, ok := sel.Find("a.tgme_widget_message_date time").First().Attr("datetime"); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				date = ts
			}
		}

		meta := strings.ToLower(sel.Find("span.tgme_widget_message_meta").First().Text())

		posts = append(posts, &Post{
			ID:      id,
			Channel: channel,
			Text:    text,
			Date:    date,
			Edited:  strings.Contains(meta, "edited"),
		})
	})

	if len(posts) == 0 && doc.Find("div.tgme_channel_info").Length() == 0 {
		return nil, errors.New("not a channel preview page")
	}

	return posts, nil
}

// sortPosts orders posts by numeric id, oldest first.
func sortPosts(posts []*Post) {
	sort.Slice(posts, func(i, j int) bool {
		a, errA := strconv.Atoi(posts[i].ID)
		b, errB := strconv.Atoi(posts[j].ID)
		if errA != nil || errB != nil {
			return posts[i].ID < posts[j].ID
		}
		return a < b
	})
}
