package eventapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Djnirds1984/cjtech/internal/coin"
	apierrors "github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/sources"
	"github.com/Djnirds1984/cjtech/internal/subauth"
	"github.com/Djnirds1984/cjtech/pkg/responders"
)

// pulseRequest is the body of both the local and remote pulse routes: a
// batch of coin pulses observed by the caller since its last delivery.
type pulseRequest struct {
	MAC      string `json:"mac"`
	ClientID string `json:"client_id"`
	Pulses   int    `json:"pulses"`
}

type pulseResponse struct {
	Status        string `json:"status"`
	Source        string `json:"source"`
	PendingAmount int    `json:"pending_amount"`
}

// localPulse handles POST /events/pulse, the on-appliance GPIO/coin relay
// adapter's delivery of the local slot's pulses.
func (h *handlers) localPulse(w http.ResponseWriter, r *http.Request) {
	h.handlePulse(w, r, sources.LocalSourceID)
}

// remotePulse handles POST /events/remote/{source_id}/pulse. The caller
// must already be HMAC-authenticated by internal/subauth, and the
// authenticated source id must match the path parameter.
func (h *handlers) remotePulse(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if !h.sourceAuthorized(w, r, sourceID) {
		return
	}

	if _, _, found := h.sourcesRg.Get(sourceID); !found {
		apierrors.Write(w, apierrors.New(apierrors.CodeNotFound, "unknown source, register via heartbeat first"), nil)
		return
	}
	if err := h.sourcesRg.Heartbeat(r.Context(), sourceID); err != nil {
		logger.FromContext(r.Context()).Warn().Err(err).Str("source", sourceID).Msg("eventapi.heartbeat_touch_failed")
	}

	h.handlePulse(w, r, "remote:"+sourceID)
}

func (h *handlers) handlePulse(w http.ResponseWriter, r *http.Request, source string) {
	var req pulseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "malformed pulse body"), nil)
		return
	}
	if req.Pulses <= 0 {
		apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "pulses must be positive"), nil)
		return
	}
	mac := strings.ToLower(strings.TrimSpace(req.MAC))
	if mac == "" {
		apierrors.Write(w, apierrors.New(apierrors.CodeMissingMAC, "mac is required"), nil)
		return
	}

	ctx := r.Context()
	owner := coin.Owner{MAC: mac, ClientID: req.ClientID}
	if err := h.aggregator.StartInsert(ctx, owner, coin.Auto, ""); err != nil {
		if h.metrics != nil {
			h.metrics.ObservePulseDropped(source, "start_insert_rejected")
			h.metrics.ObserveEvent("pulse", "rejected")
		}
		writeCoreError(w, err)
		return
	}

	h.aggregator.Pulse(ctx, req.Pulses, source)
	if h.metrics != nil {
		h.metrics.ObservePulse(source)
		h.metrics.ObserveEvent("pulse", "accepted")
	}

	pending, _ := h.aggregator.Pending()
	responders.JSON(w, http.StatusOK, pulseResponse{
		Status:        "ok",
		Source:        source,
		PendingAmount: pending,
	})
}

type heartbeatRequest struct {
	DisplayName     string `json:"display_name"`
	PulseValuePesos int    `json:"pulse_value_pesos"`
}

type heartbeatResponse struct {
	Status   string `json:"status"`
	SourceID string `json:"source_id"`
	Online   bool   `json:"online"`
}

// remoteHeartbeat handles POST /events/remote/{source_id}/heartbeat. Remote
// sources self-register here: the first authenticated heartbeat for an
// unknown source_id creates its Source row.
func (h *handlers) remoteHeartbeat(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if !h.sourceAuthorized(w, r, sourceID) {
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "malformed heartbeat body"), nil)
		return
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = sourceID
	}

	ctx := r.Context()
	if err := h.sourcesRg.RegisterRemote(ctx, sourceID, displayName, req.PulseValuePesos); err != nil {
		apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "failed to register source"), nil)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveEvent("heartbeat", "accepted")
	}

	responders.JSON(w, http.StatusOK, heartbeatResponse{Status: "ok", SourceID: sourceID, Online: true})
}

// sourceAuthorized confirms the subauth-validated caller identity (if
// subauth is enabled) matches the path's source_id, writing an error
// response and returning false otherwise.
func (h *handlers) sourceAuthorized(w http.ResponseWriter, r *http.Request, sourceID string) bool {
	if sourceID == "" {
		apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "source_id is required"), nil)
		return false
	}
	if h.cfg.Sources.SubVendoKey == "" {
		return true
	}
	authenticated := subauth.SourceID(r)
	if authenticated == "" || authenticated != sourceID {
		apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, "source credentials do not match source_id"), nil)
		return false
	}
	return true
}

// writeCoreError writes err as the typed error response it already is, or
// falls back to an opaque internal error for anything else.
func writeCoreError(w http.ResponseWriter, err error) {
	if coreErr, ok := err.(*apierrors.CoreError); ok {
		apierrors.Write(w, coreErr, nil)
		return
	}
	apierrors.Write(w, apierrors.New(apierrors.CodeInvalid, err.Error()), nil)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(serverStartTime).String(),
	})
}

type versionResponse struct {
	Version string `json:"version"`
}

func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, versionResponse{Version: "v1"})
}
