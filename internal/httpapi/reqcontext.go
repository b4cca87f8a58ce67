package httpapi

import (
	"context"
	"net/http"

	"github.com/mcprouter/router/internal/credit"
)

type reqCtxKey struct{}

// withRequestContext stashes the credit gate's ambient identity (api key,
// user id, user email) on the request context so it survives down to the
// tool handler the streamable MCP transport eventually invokes with
// r.Context().
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := credit.RequestContext{
			APIKey:    r.Header.Get("X-API-Key"),
			UserID:    r.Header.Get("X-User-Id"),
			UserEmail: r.Header.Get("X-User-Email"),
		}
		ctx := context.WithValue(r.Context(), reqCtxKey{}, rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestContextFrom retrieves the ambient identity stashed by
// withRequestContext, defaulting to an empty RequestContext (no api key:
// the gate's "forward directly" bypass row) when absent, e.g. for calls
// originating from the router's own control tools.
func requestContextFrom(ctx context.Context) credit.RequestContext {
	rc, _ := ctx.Value(reqCtxKey{}).(credit.RequestContext)
	return rc
}
