package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"linkedin-watcher/session"
)

const (
	loginPageURL   = baseURL + "/login"
	loginSubmitURL = baseURL + "/checkpoint/lg/login-submit"
	feedURL        = baseURL + "/feed/"
)

// sessionCookie is the serialized form of one jar entry. The resulting JSON
// array is the opaque session blob; only this file reads or writes it.
type sessionCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RestoreSession loads a previously captured session blob into the cookie
// jar. Called before the first query when an artifact was reused.
func (c *Client) RestoreSession(blob []byte) error {
	var cookies []sessionCookie
	if err := json.Unmarshal(blob, &cookies); err != nil {
		return fmt.Errorf("decode session blob: %w", err)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return err
	}
	restored := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		restored = append(restored, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: "/"})
	}
	c.jar.SetCookies(u, restored)
	c.logger.Debug("Session restored from artifact", "cookies", len(restored))
	return nil
}

// captureArtifact exports the jar into an artifact. Cookie expiry is not
// observable through the jar API, so ExpiresHint stays zero and staleness is
// discovered lazily by the first rejected request.
func (c *Client) captureArtifact() (*session.Artifact, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	jarCookies := c.jar.Cookies(u)
	cookies := make([]sessionCookie, 0, len(jarCookies))
	for _, ck := range jarCookies {
		cookies = append(cookies, sessionCookie{Name: ck.Name, Value: ck.Value})
	}
	blob, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("encode session blob: %w", err)
	}
	return &session.Artifact{Blob: blob, CapturedAt: time.Now()}, nil
}

// Login submits the credential form and captures the resulting session.
// Implements session.Authenticator: a verification page comes back as a
// *session.ChallengeError, any other non-success as a plain error.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.Artifact, error) {
	csrf, err := c.fetchLoginCSRF(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch login page: %w", err)
	}

	form := url.Values{}
	form.Set("session_key", creds.Email)
	form.Set("session_password", creds.Password)
	if csrf != "" {
		form.Set("loginCsrfParam", csrf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginSubmitURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	setBrowserHeaders(req)

	c.logger.Info("Submitting login form", "email", creds.Email)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit login: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	final := resp.Request.URL
	switch {
	case challengePath(final.Path):
		return nil, &session.ChallengeError{URL: final.String()}
	case authedPath(final.Path):
		c.logger.Info("Login redirect confirmed", "url", final.String())
		return c.captureArtifact()
	default:
		return nil, fmt.Errorf("login rejected, landed on %s (HTTP %d)", final.String(), resp.StatusCode)
	}
}

// ChallengeResolved probes whether a human completed the verification out of
// band, by requesting the feed and checking where the redirect lands.
func (c *Client) ChallengeResolved(ctx context.Context) (*session.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	setBrowserHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe feed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusOK && authedPath(resp.Request.URL.Path) {
		return c.captureArtifact()
	}
	return nil, nil
}

// fetchLoginCSRF loads the login page (collecting anonymous cookies along
// the way) and pulls the CSRF token out of the form.
func (c *Client) fetchLoginCSRF(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginPageURL, http.NoBody)
	if err != nil {
		return "", err
	}
	setBrowserHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	csrf, _ := doc.Find("input[name='loginCsrfParam']").First().Attr("value")
	return csrf, nil
}

// authedPath reports whether a final URL path belongs to the logged-in site.
func authedPath(path string) bool {
	return strings.HasPrefix(path, "/feed") ||
		strings.HasPrefix(path, "/jobs") ||
		strings.HasPrefix(path, "/mynetwork")
}
