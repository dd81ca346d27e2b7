// Package router maps inbound route keys (HTTP paths or message types) to
// registered handler bindings. Exact routes win over pattern routes; pattern
// routes match in registration order.
package router

import (
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/observability/log"
)

const memoSize = 1024

// Route declares one handler binding. Method filters HTTP-style routes and is
// empty for message-type routes; Server restricts the route to one listener,
// empty matching any. Binding is opaque to the router and carried back to the
// dispatcher on a match.
type Route struct {
	Key     string
	Method  string
	Server  string
	Binding any
}

// Match is a successful lookup: the winning route plus the path variables
// extracted by a pattern route.
type Match struct {
	Route *Route
	Vars  map[string]string
}

func (m Match) clone() Match {
	if len(m.Vars) == 0 {
		return Match{Route: m.Route, Vars: m.Vars}
	}
	vars := make(map[string]string, len(m.Vars))
	for k, v := range m.Vars {
		vars[k] = v
	}
	return Match{Route: m.Route, Vars: vars}
}

type patternRoute struct {
	route *Route
	re    *regexp.Regexp
	names []string
}

// Router is the route table. Registration happens at startup; lookups are
// concurrent and memoized in a bounded LRU keyed by (server, method, key).
// Only positive results are memoized, and every registration purges the memo.
type Router struct {
	mu       sync.RWMutex
	exact    map[string][]*Route
	patterns []*patternRoute

	memo *lru.Cache[string, Match]
	log  log.Log
}

// NewRouter returns an empty route table.
func NewRouter(lg log.Log) *Router {
	if lg == nil {
		lg = log.Nop()
	}
	memo, _ := lru.New[string, Match](memoSize)
	return &Router{
		exact: make(map[string][]*Route),
		memo:  memo,
		log:   lg,
	}
}

var placeholder = regexp.MustCompile(`\{([^/{}]+)\}`)

// compilePattern anchors the key and turns each {var} into a single-segment
// capture. Literal text between placeholders is quoted.
func compilePattern(key string) (*regexp.Regexp, []string, error) {
	var sb strings.Builder
	var names []string
	sb.WriteString("^")
	last := 0
	for _, loc := range placeholder.FindAllStringSubmatchIndex(key, -1) {
		sb.WriteString(regexp.QuoteMeta(key[last:loc[0]]))
		names = append(names, key[loc[2]:loc[3]])
		sb.WriteString(`([^/]+)`)
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(key[last:]))
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, nil, err
	}
	return re, names, nil
}

func compositeKey(method, key string) string {
	if method == "" {
		return key
	}
	return method + ":" + key
}

// Register adds one route. Keys containing {var} placeholders become pattern
// routes scanned in registration order; everything else is an exact route.
func (r *Router) Register(route Route) error {
	if strings.Contains(route.Key, "{") {
		re, names, err := compilePattern(route.Key)
		if err != nil {
			return errors.Wrapf(err, "route %q", route.Key)
		}
		r.mu.Lock()
		r.patterns = append(r.patterns, &patternRoute{route: &route, re: re, names: names})
		r.mu.Unlock()
	} else {
		k := compositeKey(route.Method, route.Key)
		r.mu.Lock()
		r.exact[k] = append(r.exact[k], &route)
		r.mu.Unlock()
	}
	r.memo.Purge()
	r.log.Debug("route registered",
		log.String("key", route.Key),
		log.String("method", route.Method),
		log.String("server", route.Server),
	)
	return nil
}

// Find resolves a route key for one server. Exact matches win; pattern routes
// are scanned in registration order, first match wins. A route whose server
// filter names a different server is skipped even on a matching key. The
// returned vars map is the caller's to keep.
func (r *Router) Find(server, method, key string) (Match, bool) {
	ck := server + "\x00" + method + "\x00" + key
	if hit, ok := r.memo.Get(ck); ok {
		return hit.clone(), true
	}

	r.mu.RLock()
	m, ok := r.lookup(server, method, key)
	r.mu.RUnlock()
	if !ok {
		return Match{}, false
	}
	r.memo.Add(ck, m)
	return m.clone(), true
}

func (r *Router) lookup(server, method, key string) (Match, bool) {
	if method != "" {
		if m, ok := r.exactFor(compositeKey(method, key), server); ok {
			return m, true
		}
	}
	if m, ok := r.exactFor(key, server); ok {
		return m, true
	}
	for _, p := range r.patterns {
		if p.route.Method != "" && p.route.Method != method {
			continue
		}
		if p.route.Server != "" && p.route.Server != server {
			continue
		}
		sub := p.re.FindStringSubmatch(key)
		if sub == nil {
			continue
		}
		vars := make(map[string]string, len(p.names))
		for i, name := range p.names {
			vars[name] = sub[i+1]
		}
		return Match{Route: p.route, Vars: vars}, true
	}
	return Match{}, false
}

func (r *Router) exactFor(k, server string) (Match, bool) {
	for _, rt := range r.exact[k] {
		if rt.Server == "" || rt.Server == server {
			return Match{Route: rt}, true
		}
	}
	return Match{}, false
}

// Routes returns how many routes are registered.
func (r *Router) Routes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.patterns)
	for _, rts := range r.exact {
		n += len(rts)
	}
	return n
}
