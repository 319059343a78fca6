package cache

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/wudi/edgegate/internal/config"
)

// BuildKey derives a deterministic cache key from the request under the
// path's key strategy. Identical logical requests produce identical keys
// regardless of parameter or header ordering on the wire.
func BuildKey(r *http.Request, pol config.CachePolicy) string {
	var b strings.Builder
	b.WriteString(normalizePath(r.URL.Path))

	switch pol.KeyStrategy {
	case config.KeyPathParams:
		writeParams(&b, r, pol.KeyParams)
	case config.KeyPathHeaders:
		writeHeaders(&b, r, pol.KeyHeaders)
	case config.KeyPathParamsHeaders:
		writeParams(&b, r, pol.KeyParams)
		writeHeaders(&b, r, pol.KeyHeaders)
	}

	// Hash for a fixed-length key
	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", hash)
}

// normalizePath cleans the request path so that /a//b, /a/b/ and /a/b
// share a key.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned != "/" {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	return cleaned
}

// writeParams appends sorted name=value pairs for the selected query
// parameters. "all" selects every parameter; otherwise only the listed
// names participate and missing ones are omitted.
func writeParams(b *strings.Builder, r *http.Request, selected []string) {
	query := r.URL.Query()

	var names []string
	if isAll(selected) {
		names = make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}
	} else {
		for _, name := range selected {
			if _, ok := query[name]; ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteByte('|')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
}

// writeHeaders appends sorted name=value pairs for the selected headers,
// values trimmed and lower-cased (HTTP header values compared here are
// case-insensitive tokens: Accept, Accept-Language, and the like).
func writeHeaders(b *strings.Builder, r *http.Request, selected []string) {
	var names []string
	if isAll(selected) {
		names = make([]string, 0, len(r.Header))
		for name := range r.Header {
			names = append(names, name)
		}
	} else {
		for _, name := range selected {
			canonical := http.CanonicalHeaderKey(name)
			if _, ok := r.Header[canonical]; ok {
				names = append(names, canonical)
			}
		}
	}
	sort.Strings(names)

	for _, name := range names {
		values := append([]string(nil), r.Header[http.CanonicalHeaderKey(name)]...)
		for i, v := range values {
			values[i] = strings.ToLower(strings.TrimSpace(v))
		}
		sort.Strings(values)
		for _, v := range values {
			b.WriteByte('|')
			b.WriteString(strings.ToLower(name))
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
}

func isAll(selected []string) bool {
	return len(selected) == 1 && strings.EqualFold(selected[0], config.KeyAll)
}
