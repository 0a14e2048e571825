package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/jonathan/openorbit/internal/db"
	"github.com/jonathan/openorbit/internal/fetch"
)

// ValuatorConfig configures HTTPValuator.
//
// URLTemplate may contain {address}, {line}, {city}, {region} and
// {postal_code}; each is replaced with the query-escaped component.
type ValuatorConfig struct {
	URLTemplate       string        `json:"url_template" validate:"required"`
	Selectors         []string      `json:"selectors" validate:"min=1,dive,required"`
	RequestsPerMinute float64       `json:"requests_per_minute" validate:"gte=0"`
	Timeout           time.Duration `json:"timeout"`
	WaitSelector      string        `json:"wait_selector"`
}

// Renderer renders a page in a browser. *fetch.Browser implements it.
type Renderer interface {
	Render(ctx context.Context, url, waitSelector string, timeout time.Duration) (string, error)
}

// HTTPValuator scrapes an estimate from a valuation page. Requests are paced by
// a token bucket; pages that look client-rendered are retried in a browser
// when one is configured.
type HTTPValuator struct {
	cfg      ValuatorConfig
	limiter  *rate.Limiter
	fetchOpt *fetch.Options
	renderer Renderer
	logger   *slog.Logger
}

// ValuatorOption configures an HTTPValuator.
type ValuatorOption func(*HTTPValuator)

// WithRenderer enables browser rendering for client-rendered pages.
func WithRenderer(r Renderer) ValuatorOption {
	return func(v *HTTPValuator) { v.renderer = r }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ValuatorOption {
	return func(v *HTTPValuator) { v.fetchOpt.Client = c }
}

// WithValuatorLogger sets the logger.
func WithValuatorLogger(l *slog.Logger) ValuatorOption {
	return func(v *HTTPValuator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewHTTPValuator validates cfg and builds a valuator. A zero
// RequestsPerMinute disables pacing.
func NewHTTPValuator(cfg ValuatorConfig, opts ...ValuatorOption) (*HTTPValuator, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid valuator config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetch.DefaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}

	fetchOpt := fetch.DefaultOptions()
	fetchOpt.Timeout = cfg.Timeout

	v := &HTTPValuator{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		fetchOpt: fetchOpt,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Estimate implements Valuator.
func (v *HTTPValuator) Estimate(ctx context.Context, addr db.Address) (Estimate, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return Estimate{}, err
	}

	target := ExpandURL(v.cfg.URLTemplate, addr)
	res, err := fetch.URL(ctx, target, v.fetchOpt)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusNotFound {
			return Estimate{}, fmt.Errorf("%s: %w", target, ErrNoEstimate)
		}
		return Estimate{}, err
	}

	text, matched, ok, err := fetch.SelectText(res.HTML, v.cfg.Selectors...)
	if err != nil {
		return Estimate{}, err
	}
	if !ok && v.renderer != nil && v.looksClientRendered(res.HTML) {
		html, err := v.renderer.Render(ctx, target, v.cfg.WaitSelector, v.cfg.Timeout)
		if err != nil {
			return Estimate{}, err
		}
		text, matched, ok, err = fetch.SelectText(html, v.cfg.Selectors...)
		if err != nil {
			return Estimate{}, err
		}
	}
	if !ok {
		return Estimate{}, fmt.Errorf("%s: no selector matched: %w", target, ErrNoEstimate)
	}

	value, err := ParseAmount(text)
	if err != nil {
		return Estimate{}, err
	}
	v.logger.Debug("parsed estimate", "url", target, "selector", matched, "value", value)
	return Estimate{Value: value, SourceRef: target}, nil
}

func (v *HTTPValuator) looksClientRendered(html string) bool {
	text, err := fetch.BodyText(html)
	return err == nil && fetch.ShouldUseBrowser(text)
}

// ExpandURL fills a URL template with an address.
func ExpandURL(tmpl string, addr db.Address) string {
	r := strings.NewReplacer(
		"{address}", url.QueryEscape(addr.String()),
		"{line}", url.QueryEscape(addr.Line),
		"{city}", url.QueryEscape(addr.City),
		"{region}", url.QueryEscape(addr.Region),
		"{postal_code}", url.QueryEscape(addr.PostalCode),
	)
	return r.Replace(tmpl)
}

var amountPattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*([kmb])?\b`)

// ParseAmount reads the first amount in text, e.g. "$512,300", "Est. $1.2M",
// "850K". Ranges like "$400K - $450K" yield their lower bound.
func ParseAmount(text string) (float64, error) {
	m := amountPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, &ParseError{Text: text}
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, errors.Join(&ParseError{Text: text}, err)
	}
	switch strings.ToLower(m[2]) {
	case "k":
		n *= 1e3
	case "m":
		n *= 1e6
	case "b":
		n *= 1e9
	}
	if n <= 0 {
		return 0, &ParseError{Text: text}
	}
	return n, nil
}
