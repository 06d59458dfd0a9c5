// Package linkpreview fetches a page and extracts the metadata a chat client
// renders under a message: Open Graph tags with <title> and description
// fallbacks.
package linkpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"

	"threadline/api/internal/store"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultMaxBytes = 1 << 20
)

var (
	ErrUnsupportedURL = errors.New("unsupported preview url")
	ErrNotHTML        = errors.New("preview target is not html")
	// ErrBlockedAddress is returned when a preview host resolves to a
	// loopback, private, link-local or unspecified address.
	ErrBlockedAddress = errors.New("preview target address is not public")
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// FirstURL returns the first http(s) URL in text, trimmed of trailing
// punctuation.
func FirstURL(text string) string {
	match := urlPattern.FindString(text)
	return strings.TrimRight(match, ".,;:!?")
}

type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// Option adjusts a Fetcher built by NewFetcher.
type Option func(*fetcherOptions)

type fetcherOptions struct {
	allowPrivate bool
}

// AllowPrivateNetworks lets the fetcher reach loopback and private
// addresses. Local development and tests only.
func AllowPrivateNetworks() Option {
	return func(o *fetcherOptions) { o.allowPrivate = true }
}

// NewFetcher builds a fetcher whose dialer refuses non-public addresses.
// The check runs on the resolved address of every connection, redirects
// included.
func NewFetcher(timeout time.Duration, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var options fetcherOptions
	for _, opt := range opts {
		opt(&options)
	}
	dialer := &net.Dialer{Timeout: timeout}
	if !options.allowPrivate {
		dialer.Control = rejectNonPublic
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return NewFetcherWithClient(&http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return ErrUnsupportedURL
			}
			return nil
		},
	})
}

func rejectNonPublic(_, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if !publicAddr(addrPort.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addrPort.Addr())
	}
	return nil
}

func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsInterfaceLocalMulticast() &&
		!addr.IsUnspecified()
}

func NewFetcherWithClient(client *http.Client) *Fetcher {
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes, userAgent: "ThreadlineLinkPreview/1.0"}
}

// Fetch downloads rawURL and returns its preview. Relative image URLs are
// resolved against the final page URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (store.LinkPreview, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return store.LinkPreview{}, fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return store.LinkPreview{}, fmt.Errorf("build preview request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return store.LinkPreview{}, fmt.Errorf("fetch preview: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return store.LinkPreview{}, fmt.Errorf("fetch preview: status %d", resp.StatusCode)
	}
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil &&
		mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return store.LinkPreview{}, fmt.Errorf("%w: %s", ErrNotHTML, mediaType)
	}

	preview, err := Parse(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return store.LinkPreview{}, err
	}
	preview.URL = target.String()
	base := resp.Request.URL
	if preview.ImageURL != "" {
		if ref, err := url.Parse(preview.ImageURL); err == nil {
			preview.ImageURL = base.ResolveReference(ref).String()
		}
	}
	if preview.SiteName == "" {
		preview.SiteName = base.Hostname()
	}
	return preview, nil
}

// Parse reads the document head. Open Graph values win over plain tags.
func Parse(r io.Reader) (store.LinkPreview, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return store.LinkPreview{}, fmt.Errorf("parse preview html: %w", err)
	}

	meta := map[string]string{}
	var title string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = n.FirstChild.Data
				}
			case "meta":
				key, content := "", ""
				for _, attr := range n.Attr {
					switch strings.ToLower(attr.Key) {
					case "property", "name":
						if key == "" {
							key = strings.ToLower(strings.TrimSpace(attr.Val))
						}
					case "content":
						content = attr.Val
					}
				}
				if key != "" {
					if _, seen := meta[key]; !seen {
						meta[key] = content
					}
				}
			case "body":
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	preview := store.LinkPreview{
		Title:       clean(firstNonEmpty(meta["og:title"], meta["twitter:title"], title)),
		Description: clean(firstNonEmpty(meta["og:description"], meta["twitter:description"], meta["description"])),
		ImageURL:    strings.TrimSpace(firstNonEmpty(meta["og:image"], meta["twitter:image"])),
		SiteName:    clean(meta["og:site_name"]),
	}
	return preview, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clean(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if len([]rune(value)) > 300 {
		value = string([]rune(value)[:300])
	}
	return value
}
