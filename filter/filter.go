package filter

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Filter type names accepted in route configuration.
const (
	TypeStripPrefix          = "strip_prefix"
	TypeAddHeader            = "add_header"
	TypeRemoveHeader         = "remove_header"
	TypeRewritePath          = "rewrite_path"
	TypeAddResponseHeader    = "add_response_header"
	TypeRemoveResponseHeader = "remove_response_header"
)

// Config is the declarative form of a single filter as it appears in the
// route configuration. Which fields are meaningful depends on Type.
type Config struct {
	Type        string `yaml:"type"`        // One of the Type* constants.
	Parts       int    `yaml:"parts"`       // strip_prefix: number of leading path segments to remove.
	Name        string `yaml:"name"`        // Header name for header filters.
	Value       string `yaml:"value"`       // Header value for add_header / add_response_header.
	Pattern     string `yaml:"pattern"`     // rewrite_path: regular expression applied to the request path.
	Replacement string `yaml:"replacement"` // rewrite_path: replacement, may reference capture groups.
}

// RequestFilter transforms the outbound request before it is forwarded.
// Implementations mutate the request they are given; callers are expected
// to pass a request-scoped copy, never the inbound request itself.
type RequestFilter interface {
	ApplyRequest(req *http.Request)
}

// ResponseFilter transforms the response headers before they are written
// back to the client.
type ResponseFilter interface {
	ApplyResponse(header http.Header)
}

// Chain is an ordered, immutable filter pipeline compiled from a route's
// filter configuration. Request filters and response filters each run in
// their declared order.
type Chain struct {
	request  []RequestFilter
	response []ResponseFilter
	names    []string
}

// BuildChain compiles the declared filter list into an executable Chain.
//
// Returns an error if any filter definition is invalid; the caller treats
// this as a configuration error fatal to startup.
func BuildChain(configs []Config) (*Chain, error) {
	chain := &Chain{}
	for i, cfg := range configs {
		compiled, err := cfg.Compile()
		if err != nil {
			return nil, fmt.Errorf("filter %d (%s): %w", i, cfg.Type, err)
		}
		chain.names = append(chain.names, cfg.Type)
		if rf, ok := compiled.(RequestFilter); ok {
			chain.request = append(chain.request, rf)
		}
		if rf, ok := compiled.(ResponseFilter); ok {
			chain.response = append(chain.response, rf)
		}
	}
	return chain, nil
}

// Compile validates the configuration and returns the executable filter.
func (c Config) Compile() (any, error) {
	switch c.Type {
	case TypeStripPrefix:
		if c.Parts < 1 {
			return nil, fmt.Errorf("parts must be >= 1, got %d", c.Parts)
		}
		return &stripPrefix{parts: c.Parts}, nil
	case TypeAddHeader:
		if c.Name == "" {
			return nil, fmt.Errorf("header name is required")
		}
		return &addHeader{name: c.Name, value: c.Value}, nil
	case TypeRemoveHeader:
		if c.Name == "" {
			return nil, fmt.Errorf("header name is required")
		}
		return &removeHeader{name: c.Name}, nil
	case TypeRewritePath:
		if c.Pattern == "" {
			return nil, fmt.Errorf("pattern is required")
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", c.Pattern, err)
		}
		return &rewritePath{re: re, replacement: c.Replacement}, nil
	case TypeAddResponseHeader:
		if c.Name == "" {
			return nil, fmt.Errorf("header name is required")
		}
		return &addResponseHeader{name: c.Name, value: c.Value}, nil
	case TypeRemoveResponseHeader:
		if c.Name == "" {
			return nil, fmt.Errorf("header name is required")
		}
		return &removeResponseHeader{name: c.Name}, nil
	default:
		return nil, fmt.Errorf("unknown filter type %q", c.Type)
	}
}

// ApplyRequest runs every request-side filter in declared order.
func (c *Chain) ApplyRequest(req *http.Request) {
	for _, f := range c.request {
		f.ApplyRequest(req)
	}
}

// ApplyResponse runs every response-side filter in declared order.
func (c *Chain) ApplyResponse(header http.Header) {
	for _, f := range c.response {
		f.ApplyResponse(header)
	}
}

// Names returns the declared filter type names, in order.
func (c *Chain) Names() []string {
	return c.names
}

// HasResponseFilters reports whether the chain carries any response-side
// transformations.
func (c *Chain) HasResponseFilters() bool {
	return len(c.response) > 0
}

// stripPrefix removes the first N segments of the request path.
type stripPrefix struct {
	parts int
}

func (f *stripPrefix) ApplyRequest(req *http.Request) {
	req.URL.Path = StripSegments(req.URL.Path, f.parts)
	req.URL.RawPath = ""
}

// StripSegments removes the first n segments from path, always returning
// a path that begins with "/". Stripping more segments than the path has
// yields "/".
func StripSegments(path string, n int) string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	segments := strings.Split(trimmed, "/")
	if n >= len(segments) {
		return "/"
	}
	return "/" + strings.Join(segments[n:], "/")
}

// addHeader sets a request header, replacing any existing value.
type addHeader struct {
	name  string
	value string
}

func (f *addHeader) ApplyRequest(req *http.Request) {
	req.Header.Set(f.name, f.value)
	if http.CanonicalHeaderKey(f.name) == "Host" {
		req.Host = f.value
	}
}

// removeHeader deletes a request header.
type removeHeader struct {
	name string
}

func (f *removeHeader) ApplyRequest(req *http.Request) {
	req.Header.Del(f.name)
}

// rewritePath applies a regular-expression rewrite to the request path.
type rewritePath struct {
	re          *regexp.Regexp
	replacement string
}

func (f *rewritePath) ApplyRequest(req *http.Request) {
	req.URL.Path = f.re.ReplaceAllString(req.URL.Path, f.replacement)
	req.URL.RawPath = ""
}

// addResponseHeader sets a response header, replacing any existing value.
type addResponseHeader struct {
	name  string
	value string
}

func (f *addResponseHeader) ApplyResponse(header http.Header) {
	header.Set(f.name, f.value)
}

// removeResponseHeader deletes a response header.
type removeResponseHeader struct {
	name string
}

func (f *removeResponseHeader) ApplyResponse(header http.Header) {
	header.Del(f.name)
}
