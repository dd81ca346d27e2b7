package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactBeatsPattern(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "/users/{id}", Binding: "pattern"}))
	require.NoError(t, r.Register(Route{Key: "/users/me", Binding: "exact"}))

	m, ok := r.Find("s1", "", "/users/me")
	require.True(t, ok)
	assert.Equal(t, "exact", m.Route.Binding, "exact route wins even when registered later")

	m, ok = r.Find("s1", "", "/users/42")
	require.True(t, ok)
	assert.Equal(t, "pattern", m.Route.Binding)
	assert.Equal(t, map[string]string{"id": "42"}, m.Vars)
}

func TestPatternRegistrationOrder(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "/files/{name}", Binding: "first"}))
	require.NoError(t, r.Register(Route{Key: "/files/{other}", Binding: "second"}))

	m, ok := r.Find("s1", "", "/files/report.txt")
	require.True(t, ok)
	assert.Equal(t, "first", m.Route.Binding, "first registered pattern wins")
}

func TestPatternSingleSegmentOnly(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "/users/{id}/posts/{post}", Binding: "b"}))

	m, ok := r.Find("s1", "", "/users/7/posts/99")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"id": "7", "post": "99"}, m.Vars)

	_, ok = r.Find("s1", "", "/users/7/8/posts/99")
	assert.False(t, ok, "{var} must not span segments")

	_, ok = r.Find("s1", "", "/users/7/posts")
	assert.False(t, ok, "anchored full match required")
}

func TestMethodCompositeKeys(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "/users", Method: "GET", Binding: "get"}))
	require.NoError(t, r.Register(Route{Key: "/users", Method: "POST", Binding: "post"}))
	require.NoError(t, r.Register(Route{Key: "/anything", Binding: "any"}))

	m, ok := r.Find("s1", "GET", "/users")
	require.True(t, ok)
	assert.Equal(t, "get", m.Route.Binding)

	m, ok = r.Find("s1", "POST", "/users")
	require.True(t, ok)
	assert.Equal(t, "post", m.Route.Binding)

	_, ok = r.Find("s1", "DELETE", "/users")
	assert.False(t, ok)

	m, ok = r.Find("s1", "DELETE", "/anything")
	require.True(t, ok)
	assert.Equal(t, "any", m.Route.Binding, "method-less route matches any method")
}

func TestServerFilterSkips(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "status", Server: "internal", Binding: "internal"}))
	require.NoError(t, r.Register(Route{Key: "status", Binding: "public"}))

	m, ok := r.Find("internal", "", "status")
	require.True(t, ok)
	assert.Equal(t, "internal", m.Route.Binding)

	m, ok = r.Find("edge", "", "status")
	require.True(t, ok)
	assert.Equal(t, "public", m.Route.Binding, "filtered route is skipped, not fatal")

	require.NoError(t, r.Register(Route{Key: "admin.only", Server: "internal", Binding: "x"}))
	_, ok = r.Find("edge", "", "admin.only")
	assert.False(t, ok)
}

func TestNoMatchIsNormalFlow(t *testing.T) {
	r := NewRouter(nil)
	_, ok := r.Find("s1", "GET", "/missing")
	assert.False(t, ok)
}

func TestMemoHitMatchesColdLookup(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "/users/{id}", Binding: "b"}))

	cold, ok := r.Find("s1", "GET", "/users/42")
	require.True(t, ok)
	warm, ok := r.Find("s1", "GET", "/users/42")
	require.True(t, ok)

	assert.Same(t, cold.Route, warm.Route)
	assert.Equal(t, cold.Vars, warm.Vars)

	// Mutating a returned vars map must not poison later lookups.
	warm.Vars["id"] = "tampered"
	again, ok := r.Find("s1", "GET", "/users/42")
	require.True(t, ok)
	assert.Equal(t, "42", again.Vars["id"])
}

func TestRegisterPurgesMemo(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "/users/{id}", Binding: "pattern"}))

	m, ok := r.Find("s1", "", "/users/me")
	require.True(t, ok)
	require.Equal(t, "pattern", m.Route.Binding)

	require.NoError(t, r.Register(Route{Key: "/users/me", Binding: "exact"}))
	m, ok = r.Find("s1", "", "/users/me")
	require.True(t, ok)
	assert.Equal(t, "exact", m.Route.Binding, "memoized pattern hit must not survive registration")
}

func TestMessageTypeRoutes(t *testing.T) {
	r := NewRouter(nil)
	require.NoError(t, r.Register(Route{Key: "user.get", Binding: "h"}))

	m, ok := r.Find("s1", "", "user.get")
	require.True(t, ok)
	assert.Equal(t, "h", m.Route.Binding)
	assert.Empty(t, m.Vars)
}

func TestRoutesCount(t *testing.T) {
	r := NewRouter(nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Register(Route{Key: fmt.Sprintf("/r/%d", i)}))
	}
	require.NoError(t, r.Register(Route{Key: "/p/{x}"}))
	assert.Equal(t, 4, r.Routes())
}
