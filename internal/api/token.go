package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/auth"
)

// TokenHandler issues access tokens against the in-memory user store. Both
// interactive users and agent service accounts authenticate here before
// touching any other endpoint.
type TokenHandler struct {
	users  *auth.UserStore
	tokens *auth.TokenManager
	logger *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(users *auth.UserStore, tokens *auth.TokenManager, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{users: users, tokens: tokens, logger: logger}
}

// tokenResponse is the OAuth2-password-grant-shaped issuance response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Issue handles POST /token. Credentials arrive as form fields
// (username/password) the way OAuth2 password-grant clients send them.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		ErrBadRequest(w, "invalid form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	user, err := h.users.Authenticate(username, password)
	if err != nil {
		h.logger.Warn("failed login attempt",
			zap.String("username", username),
			zap.String("remote_addr", r.RemoteAddr),
		)
		ErrUnauthorized(w)
		return
	}

	token, err := h.tokens.Generate(user.Username, user.Role)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.tokens.TTL().Seconds()),
	})
}
