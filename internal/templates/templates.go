// Package templates resolves a request's template to a local .blend file,
// either from the configured catalog or by downloading it.
package templates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"broll/internal/config"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
)

// FromURL is the template name reported for downloaded templates without a name.
const FromURL = "from_url"

// Resolved is a template ready to render.
type Resolved struct {
	Name       string
	URL        string
	Path       string
	Downloaded bool
}

// Options configure downloads.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// MaxBytes caps a download; zero means unlimited.
	MaxBytes int64
	Client   *http.Client
	Log      *logger.Logger
}

// Resolver maps template names and URLs to files.
type Resolver struct {
	catalog   config.Catalog
	client    *http.Client
	userAgent string
	maxBytes  int64
	log       *logger.Logger
}

// NewResolver returns a Resolver over catalog.
func NewResolver(catalog config.Catalog, opts Options) *Resolver {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{
		catalog:   catalog,
		client:    client,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		log:       log.WithComponent("templates"),
	}
}

// Names lists the catalog's template names.
func (r *Resolver) Names() []string {
	return r.catalog.Names()
}

// Resolve returns the file for a template. A URL takes precedence over a
// name; a downloaded file is written to dest and is the caller's to remove.
func (r *Resolver) Resolve(ctx context.Context, name, rawURL, dest string) (Resolved, error) {
	name = strings.TrimSpace(name)
	rawURL = strings.TrimSpace(rawURL)

	if rawURL != "" {
		if err := validateURL(rawURL); err != nil {
			return Resolved{}, err
		}
		if err := r.download(ctx, rawURL, dest); err != nil {
			return Resolved{}, err
		}
		if name == "" {
			name = FromURL
		}
		return Resolved{Name: name, URL: rawURL, Path: dest, Downloaded: true}, nil
	}

	if name == "" {
		return Resolved{}, errors.ValidationField("template", "template or template_url is required")
	}
	path, ok := r.catalog.Lookup(name)
	if !ok {
		return Resolved{}, errors.Validationf("unknown template: %s. Available: %s", name, strings.Join(r.catalog.Names(), ", ")).
			WithField("field", "template")
	}
	if _, err := os.Stat(path); err != nil {
		return Resolved{}, errors.WrapWithCode(err, errors.CodeFetch, "template.resolve", "template file not found").
			WithField("template", name).
			WithField("path", path)
	}
	r.log.FromContext(ctx).Info("template resolved", "template", name, "path", path)
	return Resolved{Name: name, Path: path}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.ValidationField("template_url", "template_url must be an absolute http or https URL")
	}
	return nil
}

func (r *Resolver) download(ctx context.Context, rawURL, dest string) error {
	log := r.log.FromContext(ctx)
	log.Info("downloading template", "url", rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Fetch(rawURL, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return errors.Fetch(rawURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Fetch(rawURL, fmt.Errorf("http %d %s", res.StatusCode, http.StatusText(res.StatusCode))).
			WithField("status", res.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "template.fetch", "create template file")
	}

	var body io.Reader = res.Body
	if r.maxBytes > 0 {
		body = io.LimitReader(res.Body, r.maxBytes+1)
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = errors.Fetch(rawURL, copyErr)
	case closeErr != nil:
		err = errors.Fetch(rawURL, closeErr)
	case r.maxBytes > 0 && n > r.maxBytes:
		err = errors.Fetch(rawURL, fmt.Errorf("template larger than %s", humanize.IBytes(uint64(r.maxBytes))))
	case n == 0:
		err = errors.Fetch(rawURL, fmt.Errorf("empty response body"))
	}
	if err != nil {
		_ = os.Remove(dest)
		return err
	}

	log.Info("template downloaded", "size", humanize.IBytes(uint64(n)), "path", dest)
	return nil
}
