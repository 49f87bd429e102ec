package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/mod/semver"

	"github.com/camwall/camstream/internal/types"
	"github.com/camwall/camstream/internal/util"
)

const (
	githubRepo           = "camwall/camstream"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // Delay before first check to avoid blocking startup
	versionCheckTimeout  = 30 * time.Second // HTTP request timeout
	versionMaxRetries    = 3                // Max retries per check cycle
	versionRetryDelay    = 1 * time.Minute  // Delay between retries
)

// VersionChecker periodically checks GitHub for new releases. It runs as a
// supervised service.
type VersionChecker struct {
	releasesURL string

	mu     sync.RWMutex
	latest string
	etag   string // For conditional requests (304 Not Modified)
}

// NewVersionChecker creates a version checker for the project's releases.
func NewVersionChecker() *VersionChecker {
	return &VersionChecker{
		releasesURL: "https://api.github.com/repos/" + githubRepo + "/releases/latest",
	}
}

// Serve implements suture.Service.
func (vc *VersionChecker) Serve(ctx context.Context) error {
	if !sleepCtx(ctx, versionCheckDelay) {
		return ctx.Err()
	}
	vc.checkWithRetry(ctx)

	ticker := time.NewTicker(versionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			vc.checkWithRetry(ctx)
		}
	}
}

// String implements fmt.Stringer for suture's logs.
func (vc *VersionChecker) String() string {
	return "version-checker"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// checkWithRetry attempts the version check with retries on failure.
func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	for attempt := range versionMaxRetries {
		if vc.check(ctx) {
			return
		}
		if attempt < versionMaxRetries-1 && !sleepCtx(ctx, versionRetryDelay) {
			return
		}
	}
}

// githubRelease represents the GitHub API response for a release.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release from GitHub. Returns true on success.
func (vc *VersionChecker) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.releasesURL, nil)
	if err != nil {
		return false
	}

	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "camstream/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer util.SafeCloseFunc(resp.Body, "release response body")()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return true
	case http.StatusNotFound:
		// No releases exist yet - not an error
		return true
	case http.StatusForbidden, http.StatusTooManyRequests:
		// Rate limited - retry later
		return false
	default:
		// Server errors are retried, other client errors are not.
		return resp.StatusCode < 500
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return false
	}

	if release.Draft || release.Prerelease {
		return true
	}

	if release.TagName == "" {
		return false
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.mu.Unlock()

	return true
}

// GetInfo returns the current version info for the frontend.
func (vc *VersionChecker) GetInfo() types.VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := types.VersionInfo{
		Current:   current,
		Latest:    vc.latest,
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}

	if vc.latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(vc.latest, current)
	}

	return info
}

// normalizeVersion removes 'v' prefix and trims whitespace.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// canonicalVersion ensures a version string is in semver canonical form (v prefix).
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// isNewerVersion returns true if latest is newer than current using semver comparison.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(canonicalVersion(latest), canonicalVersion(current)) > 0
}
