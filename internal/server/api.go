package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gaspardpetit/syncbridge/internal/bridge"
	"github.com/gaspardpetit/syncbridge/internal/status"
	"github.com/gaspardpetit/syncbridge/internal/tools"
)

type handlers struct {
	b         Bridge
	tools     *tools.Client
	maxUpload int64
}

type stateResponse struct {
	Status status.State    `json:"status"`
	Bridge bridge.Snapshot `json:"bridge"`
}

func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{Status: status.Get(), Bridge: h.b.Snapshot()})
}

type callRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type resultResponse struct {
	Result json.RawMessage `json:"result"`
}

type uploadResponse struct {
	Result tools.UploadResult `json:"result"`
}

func (h *handlers) postCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, tools.MaxImageBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if !tools.IsMethod(req.Method) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown method %q", req.Method), "methods": tools.Methods()})
		return
	}
	res, err := h.b.Request(r.Context(), req.Method, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(res) == 0 {
		res = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: res})
}

func (h *handlers) postUpload(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tag is required"})
		return
	}
	mime := r.URL.Query().Get("mime")
	if mime == "" {
		if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
			mime = ct
		}
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	res, err := h.tools.UploadImage(r.Context(), tag, data, mime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Result: res})
}

func (h *handlers) postReset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"reset": h.b.Reset()})
}

// statusFor maps bridge errors onto HTTP status codes.
func statusFor(err error) int {
	var re *bridge.RemoteError
	switch {
	case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, bridge.ErrEmptyPayload):
		return http.StatusBadRequest
	case errors.As(err, &re), errors.Is(err, bridge.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, map[string]string{"error": tools.Explain(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
