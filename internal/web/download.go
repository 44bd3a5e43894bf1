// Package web implements the host-side network helpers exposed to the
// in-container agent over IPC: guarded URL downloads and text-to-speech.
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// downloadMaxBytes caps a single download_url fetch.
const downloadMaxBytes int64 = 25 << 20

const maxRedirects = 3

// DownloadResult is the download_url IPC result payload.
type DownloadResult struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// Downloader fetches URLs on the agent's behalf. Connections to private,
// loopback and link-local addresses are refused at dial time, so DNS
// rebinding cannot smuggle a request past the check.
type Downloader struct {
	dir          string
	maxBytes     int64
	allowPrivate bool
	limiter      *rate.Limiter
	client       *http.Client
	logger       *slog.Logger
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithMaxBytes overrides the download size cap.
func WithMaxBytes(n int64) DownloaderOption {
	return func(d *Downloader) { d.maxBytes = n }
}

// WithPrivateAddresses disables the private-address guard. Test use only.
func WithPrivateAddresses() DownloaderOption {
	return func(d *Downloader) { d.allowPrivate = true }
}

// NewDownloader builds a Downloader writing into dir.
func NewDownloader(dir string, logger *slog.Logger, opts ...DownloaderOption) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Downloader{
		dir:      dir,
		maxBytes: downloadMaxBytes,
		limiter:  rate.NewLimiter(rate.Limit(1), 3),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	dialer := &net.Dialer{
		Timeout: 15 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			if d.allowPrivate {
				return nil
			}
			return checkDialAddress(address)
		},
	}
	d.client = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 15 * time.Second,
			IdleConnTimeout:     30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return validateURL(req.URL)
		},
	}
	return d
}

// Download fetches rawURL into the downloader's directory and returns the
// stored file. Oversized responses are discarded, not truncated.
func (d *Downloader) Download(ctx context.Context, rawURL string) (DownloadResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("invalid url: %w", err)
	}
	if err := validateURL(parsed); err != nil {
		return DownloadResult{}, err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return DownloadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return DownloadResult{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("fetch %s: %w", parsed.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DownloadResult{}, fmt.Errorf("fetch %s: status %d", parsed.Host, resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return DownloadResult{}, fmt.Errorf("response is %d bytes, cap is %d", resp.ContentLength, d.maxBytes)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("create download dir: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	dst := filepath.Join(d.dir, uuid.NewString()+extensionFor(parsed, contentType))
	out, err := os.Create(dst)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("create download file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		os.Remove(dst)
		return DownloadResult{}, fmt.Errorf("read response: %w", err)
	}
	if n > d.maxBytes {
		os.Remove(dst)
		return DownloadResult{}, fmt.Errorf("response exceeds the %d byte cap", d.maxBytes)
	}

	d.logger.Debug("url downloaded", "host", parsed.Host, "bytes", n)
	return DownloadResult{Path: dst, ContentType: contentType, Size: n}, nil
}

// validateURL enforces scheme and hostname presence. Address checks happen
// at dial time.
func validateURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url has no hostname")
	}
	return nil
}

// checkDialAddress rejects connections to anything that is not a public
// unicast address.
func checkDialAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("bad dial address %q: %w", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("bad dial address %q: %w", address, err)
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return fmt.Errorf("address %s is not public", addr)
	}
	return nil
}

// extensionFor picks a file extension from the URL path, falling back to the
// response content type.
func extensionFor(u *url.URL, contentType string) string {
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 8 {
		return ext
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return ".bin"
}
