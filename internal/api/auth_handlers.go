package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xteam/backend/internal/auth"
	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/middleware"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (req *registerRequest) validate() error {
	switch {
	case !strings.Contains(req.Email, "@"):
		return core.NewValidationError("email", "invalid email address")
	case len(req.Username) < 3:
		return core.NewValidationError("username", "must be at least 3 characters")
	case len(req.Password) < 8:
		return core.NewValidationError("password", "must be at least 8 characters")
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if _, err := s.store.Users().GetByEmail(ctx, req.Email); err == nil {
		writeError(w, core.Conflictf("Email already registered"))
		return
	}
	if _, err := s.store.Users().GetByUsername(ctx, req.Username); err == nil {
		writeError(w, core.Conflictf("Username already taken"))
		return
	}

	hash, err := auth.HashPassword(req.Password, s.cfg.Auth.BcryptCost)
	if err != nil {
		writeError(w, err)
		return
	}

	user := &core.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		FullName:     req.FullName,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		writeError(w, err)
		return
	}

	pair, err := s.authority.Issuer().IssuePair(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":   user,
		"tokens": pair,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.store.Users().GetByEmail(r.Context(), req.Email)
	if err != nil || !auth.VerifyPassword(req.Password, user.PasswordHash) {
		writeError(w, fmt.Errorf("incorrect email or password: %w", core.ErrUnauthorized))
		return
	}
	if !user.Active {
		writeError(w, fmt.Errorf("inactive user: %w", core.ErrUnauthorized))
		return
	}

	pair, err := s.authority.Issuer().IssuePair(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	claims, err := s.authority.VerifyRefresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, fmt.Errorf("invalid refresh token: %w", core.ErrUnauthorized))
		return
	}

	pair, err := s.authority.Issuer().IssuePair(claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the access token presented on this request.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := s.authority.Logout(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"detail": "logged out"})
}

// handleLogoutAll revokes every token issued to the user before now.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if err := s.authority.LogoutAll(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"detail": "all sessions revoked"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.Users().GetByID(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
