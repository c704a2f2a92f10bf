package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/qcom/dirsession/internal/middleware"
	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/repository"
	"github.com/qcom/dirsession/internal/service"
	"github.com/sirupsen/logrus"
)

const msgNoActiveAccount = "No active account found with the given credentials"

// AuthHandlers serves the token, identity and runtime-config endpoints of the
// development identity server.
type AuthHandlers struct {
	jwtService          *service.JWTService
	refreshTokenService *service.RefreshTokenService
	userRepo            *repository.UserRepository
	runtime             models.RuntimeAuthConfig
	logger              *logrus.Logger
}

func NewAuthHandlers(
	jwtService *service.JWTService,
	refreshTokenService *service.RefreshTokenService,
	userRepo *repository.UserRepository,
	runtime models.RuntimeAuthConfig,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		jwtService:          jwtService,
		refreshTokenService: refreshTokenService,
		userRepo:            userRepo,
		runtime:             runtime,
		logger:              logger,
	}
}

// NewRouter mounts the handlers at the paths the session client calls.
func NewRouter(h *AuthHandlers, authMiddleware *middleware.AuthMiddleware, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	router.HandleFunc(service.PathTokenCreate, h.CreateToken).Methods(http.MethodPost)
	router.HandleFunc(service.PathTokenRefresh, h.RefreshToken).Methods(http.MethodPost)
	router.HandleFunc(service.PathRuntimeAuth, h.RuntimeAuth).Methods(http.MethodGet)
	router.Handle(service.PathCurrentUser, authMiddleware.RequireAuth(http.HandlerFunc(h.Me))).Methods(http.MethodGet)

	return router
}

func (h *AuthHandlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithDetail(w, http.StatusBadRequest, "JSON parse error")
		return
	}

	fields := map[string][]string{}
	if strings.TrimSpace(req.Username) == "" {
		fields["username"] = []string{"This field may not be blank."}
	}
	if req.Password == "" {
		fields["password"] = []string{"This field may not be blank."}
	}
	if len(fields) > 0 {
		h.respondWithJSON(w, http.StatusBadRequest, fields)
		return
	}

	user, err := h.userRepo.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			h.logger.WithError(err).Error("Failed to authenticate user")
		}
		h.respondWithDetail(w, http.StatusUnauthorized, msgNoActiveAccount)
		return
	}

	pair, refreshClaims, err := h.jwtService.IssuePair(user.Summary())
	if err != nil {
		h.respondWithDetail(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	if err := h.refreshTokenService.Store(r.Context(), refreshClaims.ID, user.ID, refreshClaims.ExpiresAt.Time); err != nil {
		h.logger.WithError(err).Error("Failed to store refresh token")
	}

	h.logger.WithField("username", user.Username).Info("Token pair issued")
	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithDetail(w, http.StatusBadRequest, "JSON parse error")
		return
	}

	if req.Refresh == "" {
		h.respondWithJSON(w, http.StatusBadRequest, map[string][]string{
			"refresh": {"This field may not be blank."},
		})
		return
	}

	claims, err := h.jwtService.VerifyToken(req.Refresh)
	if err != nil || claims.Type != models.TokenTypeRefresh {
		h.respondWithDetail(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}

	if h.refreshTokenService.IsRevoked(r.Context(), claims.ID) {
		h.respondWithDetail(w, http.StatusUnauthorized, "Token is blacklisted")
		return
	}

	user, err := h.userRepo.GetByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		h.respondWithDetail(w, http.StatusUnauthorized, msgNoActiveAccount)
		return
	}

	if !h.runtime.RotateRefreshTokens {
		access, err := h.jwtService.IssueAccess(user.Summary())
		if err != nil {
			h.respondWithDetail(w, http.StatusInternalServerError, "Failed to generate tokens")
			return
		}
		h.respondWithJSON(w, http.StatusOK, models.TokenPair{Access: access})
		return
	}

	pair, refreshClaims, err := h.jwtService.IssuePair(user.Summary())
	if err != nil {
		h.respondWithDetail(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	h.refreshTokenService.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time)
	if err := h.refreshTokenService.Store(r.Context(), refreshClaims.ID, user.ID, refreshClaims.ExpiresAt.Time); err != nil {
		h.logger.WithError(err).Error("Failed to store new refresh token")
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
		return
	}

	user, err := h.userRepo.GetByID(r.Context(), claims.UserID)
	if err != nil || !user.IsActive {
		h.respondWithDetail(w, http.StatusUnauthorized, "User not found")
		return
	}

	h.respondWithJSON(w, http.StatusOK, user.Summary())
}

// RuntimeAuth publishes session timing in whole seconds.
func (h *AuthHandlers) RuntimeAuth(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, models.NewRuntimeAuthConfigPayload(h.runtime))
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithDetail(w http.ResponseWriter, status int, detail string) {
	h.respondWithJSON(w, status, map[string]string{"detail": detail})
}
