package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-paddock-push/pkg/push"
)

// BatchSender is the dispatcher entry point the send handler drives.
type BatchSender interface {
	SendBatch(ctx context.Context, msg push.Message, topic string) (push.Result, error)
}

type PushAPI struct {
	Sender BatchSender
	Logger *slog.Logger
	// Broadcasters holds the authenticated subjects allowed to send.
	Broadcasters map[string]struct{}
}

// NewPushAPI restricts broadcasting to the given subjects. With none
// configured every caller is refused.
func NewPushAPI(sender BatchSender, broadcasters []string, logger *slog.Logger) *PushAPI {
	allowed := make(map[string]struct{}, len(broadcasters))
	for _, id := range broadcasters {
		allowed[id] = struct{}{}
	}
	return &PushAPI{
		Sender:       sender,
		Logger:       logger,
		Broadcasters: allowed,
	}
}

// SendPushResponse is the body of a completed broadcast.
type SendPushResponse struct {
	Success bool `json:"success"`
	Sent    int  `json:"sent"`
	Native  int  `json:"native"`
	Web     int  `json:"web"`
	Failed  int  `json:"failed"`
}

// SendPush broadcasts one message to every target subscribed to its topic.
func (api *PushAPI) SendPush(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, allowed := api.Broadcasters[callerID]; !allowed {
		api.Logger.Warn("SendPush: caller may not broadcast", "caller", callerID)
		response.WriteJSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req push.Broadcast
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := req.Validate(); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := api.Sender.SendBatch(r.Context(), req.Message, req.Topic)
	if err != nil {
		api.Logger.Error("SendPush: batch failed",
			"err", err,
			"topic", req.Topic,
			"native", result.Native,
			"web", result.Web,
			"failed", result.Failed,
		)
		response.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SendPushResponse{
		Success: true,
		Sent:    result.Sent(),
		Native:  result.Native,
		Web:     result.Web,
		Failed:  result.Failed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
