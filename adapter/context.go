package adapter

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Context holds everything one adapter instance needs to talk to one
// backend server as one user: backend name, base URL, token, user id,
// backend id (UUID), vendor options, a response cache, and a logger.
//
// Context is immutable — adapters hold it by value, never by pointer, so
// there is no adapter<->context back-reference to manage (spec §9, "cyclic
// references"). Changing configuration means building a new Context and
// calling Adapter.WithContext, never mutating fields in place.
type Context struct {
	Backend   string
	BaseURL   string
	Token     string
	UserID    string
	BackendID string // backend's own UUID, as reported by GetIdentifier
	Options   map[string]string

	Cache      *ttlcache.Cache[string, []byte]
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Clone returns a copy of c with patch applied, leaving c itself untouched.
// This is the only sanctioned way to derive a modified Context.
func (c Context) Clone(patch func(*Context)) Context {
	clone := c
	clone.Options = cloneOptions(c.Options)
	if patch != nil {
		patch(&clone)
	}
	return clone
}

func cloneOptions(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Option reads a vendor-specific option with a default.
func (c Context) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// SegmentSize returns the per-backend page size for segmented library
// fetches (spec §4.3 step 5), defaulting to 1000.
func (c Context) SegmentSize() int {
	return c.OptionInt("segment_size", 1000)
}

// OptionInt reads a vendor-specific integer option with a default.
func (c Context) OptionInt(key string, def int) int {
	v, ok := c.Options[key]
	if !ok {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return def
	}
	return n
}

// DefaultHTTPClient builds the short-timeout JSON client used for metadata,
// search, and library listing calls — the synchronous half of an adapter's
// traffic that doesn't go through the Queue. Modeled on the teacher's
// per-concern jsonClient/streamClient transport split.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 15 * time.Second,
		},
		Timeout: 20 * time.Second,
	}
}
