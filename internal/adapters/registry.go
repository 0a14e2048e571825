package adapters

import (
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Registry caches the result of Discover for one plugin root.
type Registry struct {
	root   string
	logger *slog.Logger

	mu       sync.RWMutex
	adapters []AdapterMeta
}

// NewRegistry creates an empty registry for root. Call Refresh to populate it.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{root: root, logger: logger}
}

// Refresh rescans the plugin root and replaces the cached list.
func (r *Registry) Refresh() ([]AdapterMeta, error) {
	found, err := discover(r.root, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.adapters = found
	r.mu.Unlock()

	r.logger.Info("adapters discovered", "root", r.root, "count", len(found))
	return r.List(), nil
}

// List returns a copy of the cached adapters.
func (r *Registry) List() []AdapterMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterMeta, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// ForHost returns the first adapter whose platform pattern matches host.
// Patterns are hostnames with optional leading wildcard labels ("*.lever.co").
func (r *Registry) ForHost(host string) (AdapterMeta, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Platform != nil && MatchHost(*a.Platform, host) {
			return a, true
		}
	}
	return AdapterMeta{}, false
}

// MatchHost reports whether host matches pattern. A "*." prefix also matches
// the bare parent domain.
func MatchHost(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" || host == "" {
		return false
	}
	if ok, err := path.Match(pattern, host); err == nil && ok {
		return true
	}
	if rest, found := strings.CutPrefix(pattern, "*."); found {
		return host == rest || strings.HasSuffix(host, "."+rest)
	}
	return false
}
