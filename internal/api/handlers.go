package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codehive/collab/internal/metrics"
	"codehive/collab/internal/models"
	"codehive/collab/internal/session"
	"codehive/collab/internal/store"
	"codehive/collab/internal/utils"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const tokenTTL = 24 * time.Hour

type Handlers struct {
	log     *zap.Logger
	hub     *session.Registry
	gw      *store.Gateway
	users   *userDirectory
	met     *metrics.Collectors
	secret  string
	origins []string

	shuttingDown *atomic.Bool
	upgrader     websocket.Upgrader
}

func NewHandlers(log *zap.Logger, hub *session.Registry, gw *store.Gateway, met *metrics.Collectors, secret string, origins []string, shuttingDown *atomic.Bool) *Handlers {
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}
	return &Handlers{
		log:          log,
		hub:          hub,
		gw:           gw,
		users:        newUserDirectory(gw),
		met:          met,
		secret:       secret,
		origins:      origins,
		shuttingDown: shuttingDown,
		// origin policy is enforced after the upgrade so rejections carry
		// a websocket close code
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

/*** middleware ***/

type ctxKey int

const userKey ctxKey = 0

func userFrom(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey).(models.User)
	return u, ok
}

// RequireAuth verifies the Bearer token and stashes the identity.
func (h *Handlers) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			utils.JSONError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		user, err := utils.VerifyToken(tokenStr, h.secret)
		if err != nil {
			utils.JSONError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// RejectDuringShutdown returns 503 once the server has begun shutting down.
func (h *Handlers) RejectDuringShutdown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.shuttingDown.Load() {
			utils.JSONError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

/*** auth ***/

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		utils.JSONError(w, http.StatusBadRequest, "username required")
		return
	}
	user, err := h.users.Login(r.Context(), username)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "login failed")
		return
	}
	token, err := utils.IssueToken(user, h.secret, tokenTTL)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	utils.JSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

/*** project endpoints ***/

func (h *Handlers) acquireRoom(w http.ResponseWriter, r *http.Request) (*session.Room, bool) {
	roomID := chi.URLParam(r, "id")
	if !roomIDPattern.MatchString(roomID) {
		utils.JSONError(w, http.StatusBadRequest, "invalid project id")
		return nil, false
	}
	room, err := h.hub.GetOrCreate(r.Context(), roomID)
	if err != nil {
		h.log.Error("room acquire failed", zap.String("room", roomID), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "failed to open project")
		return nil, false
	}
	return room, true
}

type permissionRequest struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
}

// SetPermission lets a project admin override a user's role. The override
// is visible to authorization checks as soon as the response is written.
func (h *Handlers) SetPermission(w http.ResponseWriter, r *http.Request) {
	caller, _ := userFrom(r.Context())
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || !req.Role.Valid() {
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	room, ok := h.acquireRoom(w, r)
	if !ok {
		return
	}
	if room.EffectiveRole(caller) != models.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "admin role required")
		return
	}
	room.SetPerm(req.UserID, req.Role)
	if err := h.gw.SetProjectPermission(r.Context(), room.ID, req.UserID, req.Role); err != nil {
		h.log.Error("permission persist failed", zap.String("room", room.ID), zap.Error(err))
	}
	utils.JSON(w, http.StatusOK, map[string]any{"ok": true, "userId": req.UserID, "role": req.Role})
}

// ApproveSuggestion marks a suggestion approved inside one doc transaction
// and schedules a persist.
func (h *Handlers) ApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	caller, _ := userFrom(r.Context())
	room, ok := h.acquireRoom(w, r)
	if !ok {
		return
	}
	if room.EffectiveRole(caller) != models.RoleAdmin {
		utils.JSONError(w, http.StatusForbidden, "admin role required")
		return
	}
	suggID := chi.URLParam(r, "sid")
	entry := room.Doc.Map("editor:suggestions").GetMap(suggID)
	if entry == nil {
		utils.JSONError(w, http.StatusNotFound, "suggestion not found")
		return
	}
	room.Doc.Transact(nil, func() {
		entry.Set("approved", true)
		entry.Set("approvedBy", caller.UserID)
		entry.Set("approvedAt", time.Now().UTC().Format(time.RFC3339))
	})
	utils.JSON(w, http.StatusOK, map[string]any{"ok": true, "suggestionId": suggID})
}

type contributor struct {
	UserID string `json:"userId"`
	Chars  int64  `json:"chars"`
}

// Contributors reports the character-contribution leaderboard snapshot.
func (h *Handlers) Contributors(w http.ResponseWriter, r *http.Request) {
	room, ok := h.acquireRoom(w, r)
	if !ok {
		return
	}
	var out []contributor
	room.Doc.Map("editor:contrib:chars").Each(func(userID string, v any) {
		if n, ok := v.(int64); ok {
			out = append(out, contributor{UserID: userID, Chars: n})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chars != out[j].Chars {
			return out[i].Chars > out[j].Chars
		}
		return out[i].UserID < out[j].UserID
	})
	utils.JSON(w, http.StatusOK, map[string]any{"contributors": out})
}
