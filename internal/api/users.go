package api

import (
	"net/http"
)

// UserHandler serves the current-principal endpoint. There is no user CRUD:
// principals are seeded from configuration at startup.
type UserHandler struct{}

// NewUserHandler creates a UserHandler.
func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

// GetMe handles GET /users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, map[string]string{
		"username": claims.Username,
		"role":     claims.Role,
	})
}
