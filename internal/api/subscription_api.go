package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-paddock-push/pkg/dispatch"
	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

type SubscriptionAPI struct {
	Store  dispatch.TargetStore
	Logger *slog.Logger
}

func NewSubscriptionAPI(store dispatch.TargetStore, logger *slog.Logger) *SubscriptionAPI {
	return &SubscriptionAPI{
		Store:  store,
		Logger: logger,
	}
}

type RegisterNativeRequest struct {
	Platform string   `json:"platform"`
	Token    string   `json:"token"`
	Topics   []string `json:"topics"`
}

type RegisterWebRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	Topics []string `json:"topics"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Platform string `json:"platform,omitempty"`
	Token    string `json:"token,omitempty"`
}

type RegisterResponse struct {
	ID string `json:"id"`
}

// --- Native (APNs / FCM) ---

func (api *SubscriptionAPI) RegisterNative(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterNativeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	platform := strings.ToLower(req.Platform)
	if platform != push.PlatformIOS && platform != push.PlatformAndroid {
		response.WriteJSONError(w, http.StatusBadRequest, "platform must be ios or android")
		return
	}
	// Round-trip through the stored form so tokens that could not be read back are rejected now.
	raw, _, _ := push.FormatEndpoint(push.NativeEndpoint{Platform: platform, Token: req.Token})
	endpoint, err := push.ParseEndpoint(raw, "", "")
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid token")
		return
	}

	api.save(w, r, push.Target{OwnerID: userID, Topics: req.Topics, Endpoint: endpoint})
}

// --- Web (VAPID) ---

func (api *SubscriptionAPI) RegisterWeb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Error("RegisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}

	endpoint, err := push.ParseEndpoint(req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		api.Logger.Warn("RegisterWeb: Validation failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription object")
		return
	}
	if _, isWeb := endpoint.(push.WebEndpoint); !isWeb {
		response.WriteJSONError(w, http.StatusBadRequest, "endpoint must be an http(s) url")
		return
	}

	api.save(w, r, push.Target{OwnerID: userID, Topics: req.Topics, Endpoint: endpoint})
}

func (api *SubscriptionAPI) save(w http.ResponseWriter, r *http.Request, target push.Target) {
	id, err := api.Store.Save(r.Context(), target)
	if errors.Is(err, push.ErrEndpointTaken) {
		api.Logger.Warn("subscription endpoint held by another user", "user", target.OwnerID)
		response.WriteJSONError(w, http.StatusConflict, "endpoint already registered")
		return
	}
	if err != nil {
		api.Logger.Error("failed to save subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Subscription registered", "user", target.OwnerID, "target_id", id)
	writeJSON(w, http.StatusCreated, RegisterResponse{ID: id})
}

// --- Unsubscribe ---

// Unsubscribe accepts either a web endpoint URL or a native platform/token pair.
// Only the caller's own registration is removed.
func (api *SubscriptionAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Error("Unsubscribe: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	endpoint, err := unsubscribeEndpoint(req)
	if err != nil {
		api.Logger.Warn("Unsubscribe: Validation failed", "reason", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := api.Store.Remove(ctx, userID, endpoint); err != nil {
		api.Logger.Warn("failed to unsubscribe", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	api.Logger.Info("Unsubscribe: Subscription removed", "user", userID)

	w.WriteHeader(http.StatusNoContent)
}

func unsubscribeEndpoint(req UnsubscribeRequest) (push.Endpoint, error) {
	switch {
	case req.Endpoint != "":
		return push.WebEndpoint{URL: req.Endpoint}, nil
	case req.Token != "":
		return push.NativeEndpoint{Platform: strings.ToLower(req.Platform), Token: req.Token}, nil
	default:
		return nil, errors.New("missing endpoint")
	}
}
