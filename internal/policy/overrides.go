package policy

import "sync"

// Overrides is the runtime policy override registry. The traffic monitor
// writes cache enablement here; config reloads do not clear it, so an
// automatic enable survives until an operator disables it explicitly.
type Overrides struct {
	cacheOn sync.Map // path -> struct{}
}

// NewOverrides creates an empty registry.
func NewOverrides() *Overrides {
	return &Overrides{}
}

// EnableCache force-enables caching for path. Idempotent; there is no
// automatic counterpart to disable.
func (o *Overrides) EnableCache(path string) {
	o.cacheOn.Store(path, struct{}{})
}

// CacheEnabled reports whether path has a cache-enable override.
func (o *Overrides) CacheEnabled(path string) bool {
	_, ok := o.cacheOn.Load(path)
	return ok
}

// CacheEnabledPaths lists paths with active overrides, for the admin
// status surface.
func (o *Overrides) CacheEnabledPaths() []string {
	var out []string
	o.cacheOn.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}
