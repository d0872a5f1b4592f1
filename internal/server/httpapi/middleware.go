package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/server/auth"
)

type ctxKey int

const userIDKey ctxKey = iota

// userID returns the authenticated user injected by the middleware.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// authenticate verifies the access token and stores the user id in the
// request context. The token comes from the Authorization header as
// "Bearer <jwt>", or from the token query parameter on the websocket
// route.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get(common.AccessTokenHeaderName))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "missing access token", http.StatusUnauthorized)
			return
		}

		uid, err := auth.GetUserIDFromToken(token, s.secretKey)
		if err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
