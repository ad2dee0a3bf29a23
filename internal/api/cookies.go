package api

import (
	"github.com/gin-gonic/gin"
)

// setAuthCookies stores the session tokens on the client. The auth cookie is
// http-only; the CSRF cookie must stay readable for the double-submit check.
func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	maxAge := int(h.auth.TokenTTL().Seconds())
	c.SetCookie(h.auth.AuthCookieName(), authToken, maxAge, "/", "", false, true)
	c.SetCookie(h.auth.CSRFCookieName(), csrfToken, maxAge, "/", "", false, false)
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	c.SetCookie(h.auth.AuthCookieName(), "", -1, "/", "", false, true)
	c.SetCookie(h.auth.CSRFCookieName(), "", -1, "/", "", false, false)
}
