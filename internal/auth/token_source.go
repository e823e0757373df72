package auth

import (
	"net/http"
	"strings"
)

const (
	DefaultCookieName = "lobby_identity"
	tokenQueryParam   = "token"
	bearerPrefix      = "Bearer "
)

// ExtractToken returns the identity token carried by the request. The
// Authorization header wins over the token query parameter, which wins over
// the cookie. Browsers cannot set headers on websocket upgrades, hence the
// query and cookie fallbacks.
func ExtractToken(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return token
	}
	if cookieName == "" {
		return ""
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
