package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultCookieName is the cookie that carries the identity token for browsers.
const DefaultCookieName = "reportlens_session"

const userContextKey = "auth.user"

// Authenticator extracts and validates identity tokens from requests.
type Authenticator struct {
	tokens       *TokenProvider
	cookieName   string
	secureCookie bool
}

// NewAuthenticator returns an Authenticator reading the bearer header first and
// then cookieName.
func NewAuthenticator(tokens *TokenProvider, cookieName string) *Authenticator {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Authenticator{tokens: tokens, cookieName: cookieName}
}

// WithSecureCookie marks cookies written by the Authenticator as HTTPS only.
func (a *Authenticator) WithSecureCookie(secure bool) *Authenticator {
	a.secureCookie = secure
	return a
}

// CookieName returns the identity cookie name.
func (a *Authenticator) CookieName() string {
	return a.cookieName
}

// Authenticate returns the user of the request, or ErrInvalidToken.
func (a *Authenticator) Authenticate(r *http.Request) (*User, error) {
	token := a.tokenFromRequest(r)
	if token == "" {
		return nil, ErrInvalidToken
	}
	return a.tokens.Validate(token)
}

func (a *Authenticator) tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(a.cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Required rejects requests without a valid identity with 401.
func (a *Authenticator) Required() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, err := a.Authenticate(c.Request())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"message": "Unauthorized: Please log in to access this resource",
				})
			}
			WithUser(c, user)
			return next(c)
		}
	}
}

// Optional attaches the user when a valid identity is present and never rejects.
func (a *Authenticator) Optional() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if user, err := a.Authenticate(c.Request()); err == nil {
				WithUser(c, user)
			}
			return next(c)
		}
	}
}

// ClearCookie expires the identity cookie.
func (a *Authenticator) ClearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserFromContext returns the user set by the middleware.
func UserFromContext(c echo.Context) (*User, bool) {
	user, ok := c.Get(userContextKey).(*User)
	return user, ok && user != nil
}

// WithUser stores user on c.
func WithUser(c echo.Context, user *User) {
	c.Set(userContextKey, user)
}
