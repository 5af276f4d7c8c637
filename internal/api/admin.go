package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/iotflow/iotflow-core/internal/auth"
	"github.com/iotflow/iotflow-core/internal/device"
)

// defaultTokenTTLMinutes mirrors the token generator's fallback so the
// expires_at in the response matches the exp inside the token.
const defaultTokenTTLMinutes = 60

// handleAdminListDevices returns one page of devices.
//
// Query parameters: status, type, search (name substring), limit,
// offset. The response carries the unpaged total for pagination.
func (s *Server) handleAdminListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := device.Filter{
		DeviceType: q.Get("type"),
		Search:     q.Get("search"),
	}
	if raw := q.Get("status"); raw != "" {
		status := device.AdminStatus(raw)
		if !status.Valid() {
			writeValidation(w, r, "status must be one of active, inactive, maintenance")
			return
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeValidation(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeValidation(w, r, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.devices.List(r.Context(), filter)
	if err != nil {
		s.log.Error("device listing failed", "error", err)
		writeInternal(w, r, "listing devices failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleAdminGetDevice returns one device plus its liveness, so the
// dashboard detail view is a single call.
func (s *Server) handleAdminGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeValidation(w, r, "invalid device id")
		return
	}

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device not found")
			return
		}
		writeInternal(w, r, "loading device failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":   dev,
		"liveness": s.presence.Check(r.Context(), dev),
	})
}

// handleAdminUpdateDevice applies an admin edit: profile fields plus
// rename and retype.
func (s *Server) handleAdminUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeValidation(w, r, "invalid device id")
		return
	}

	var update device.AdminUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		writeValidation(w, r, "invalid update payload: "+err.Error())
		return
	}
	if update.Empty() {
		writeValidation(w, r, "update contains no fields")
		return
	}

	dev, err := s.devices.UpdateDevice(r.Context(), id, update)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, r, "device not found")
		case errors.Is(err, device.ErrNameExists):
			writeError(w, r, http.StatusConflict, KindConflict, "device name already registered")
		case errors.Is(err, device.ErrInvalidProfile), errors.Is(err, device.ErrInvalidName):
			writeValidation(w, r, err.Error())
		default:
			s.log.Error("admin device update failed", "device_id", id, "error", err)
			writeInternal(w, r, "updating device failed")
		}
		return
	}

	s.log.Info("device updated by admin", "device_id", id)
	writeJSON(w, http.StatusOK, dev)
}

// handleAdminDeleteDevice removes a device everywhere: store row,
// cached credential, presence keys, and its time-series data.
//
// The store delete is the decision; the rest is cleanup and must not
// turn a successful delete into an error. Failed cleanup is logged and
// ages out on its own (cache TTLs) or is re-runnable (series delete).
func (s *Server) handleAdminDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeValidation(w, r, "invalid device id")
		return
	}

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device not found")
			return
		}
		writeInternal(w, r, "loading device failed")
		return
	}

	if err := s.devices.Delete(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device not found")
			return
		}
		s.log.Error("device delete failed", "device_id", id, "error", err)
		writeInternal(w, r, "deleting device failed")
		return
	}

	s.authn.Invalidate(r.Context(), dev.APIKey)
	if err := s.presence.Forget(r.Context(), id); err != nil {
		s.log.Warn("presence cleanup failed after delete", "device_id", id, "error", err)
	}
	if err := s.tsdb.DeleteDevice(r.Context(), id); err != nil {
		s.log.Warn("time-series cleanup failed after delete", "device_id", id, "error", err)
	}

	s.log.Info("device deleted", "device_id", id, "name", dev.Name)
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminSetStatus moves a device between admin statuses.
//
// 409 answers a move the transition rules forbid; the current status is
// the conflict, not the payload.
func (s *Server) handleAdminSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeValidation(w, r, "invalid device id")
		return
	}

	var req struct {
		Status device.AdminStatus `json:"status"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeValidation(w, r, "invalid status payload: "+err.Error())
		return
	}
	if !req.Status.Valid() {
		writeValidation(w, r, "status must be one of active, inactive, maintenance")
		return
	}

	// Loaded before the update so the cached credential can be dropped
	// afterwards; status gates scopes, so stale cache entries would keep
	// honouring the old status for the cache TTL.
	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device not found")
			return
		}
		writeInternal(w, r, "loading device failed")
		return
	}

	if err := s.devices.UpdateStatus(r.Context(), id, req.Status); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, r, "device not found")
		case errors.Is(err, device.ErrInvalidTransition):
			writeError(w, r, http.StatusConflict, KindConflict, err.Error())
		case errors.Is(err, device.ErrInvalidStatus):
			writeValidation(w, r, err.Error())
		default:
			s.log.Error("status update failed", "device_id", id, "error", err)
			writeInternal(w, r, "updating status failed")
		}
		return
	}

	s.authn.Invalidate(r.Context(), dev.APIKey)
	s.log.Info("device status changed",
		"device_id", id,
		"from", dev.Status,
		"to", req.Status,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": req.Status,
	})
}

// handleAdminRotateKey issues a fresh api_key for a device. The old key
// stops working immediately; its cached resolution is dropped.
func (s *Server) handleAdminRotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeValidation(w, r, "invalid device id")
		return
	}

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device not found")
			return
		}
		writeInternal(w, r, "loading device failed")
		return
	}

	newKey, err := s.devices.RotateKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device not found")
			return
		}
		s.log.Error("key rotation failed", "device_id", id, "error", err)
		writeInternal(w, r, "rotating key failed")
		return
	}

	s.authn.Invalidate(r.Context(), dev.APIKey)
	s.log.Info("device key rotated", "device_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"api_key": newKey,
	})
}

// handleAdminStats serves the dashboard counters.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.devices.CountByStatus(r.Context())
	if err != nil {
		s.log.Error("device census failed", "error", err)
		writeInternal(w, r, "collecting device stats failed")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	stats := map[string]any{
		"total_devices": total,
		"by_status":     counts,
	}

	// Best-effort gauges; the dashboard shows what it can get.
	if n, err := s.tsdb.CountSince(r.Context(), time.Now().Add(-time.Hour)); err == nil {
		stats["telemetry_points_1h"] = n
	}
	if s.cache != nil {
		if cs, err := s.cache.Stats(r.Context()); err == nil {
			stats["online_devices"] = cs.OnlineDevices
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleCacheStats reports the liveness cache census.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeStoreUnavailable(w, r, "cache administration not configured")
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.log.Error("cache census failed", "error", err)
		writeStoreUnavailable(w, r, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCacheFlush clears derived cache entries. Rate limit counters
// survive; flushing must not reset anyone's abuse budget.
func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeStoreUnavailable(w, r, "cache administration not configured")
		return
	}
	removed, err := s.cache.Flush(r.Context())
	if err != nil {
		s.log.Error("cache flush failed", "error", err)
		writeStoreUnavailable(w, r, "cache unavailable")
		return
	}
	s.log.Info("cache flushed by admin", "keys_removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{
		"flushed": removed,
	})
}

// handleAdminToken exchanges the admin secret for a short-lived JWT.
//
// Only the raw secret mints tokens. A presented token is refused, so a
// leaked token cannot be laundered into fresh ones; it dies at its exp.
func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	scheme, credential := splitAuthorization(r.Header.Get("Authorization"))
	switch scheme {
	case "":
		writeAuthRequired(w, r, "missing Authorization header")
		return
	case "admin":
		if !auth.VerifyAdminSecret(credential, s.security.AdminSecret) {
			writeAuthFailed(w, r, "invalid admin secret")
			return
		}
	default:
		writeAuthFailed(w, r, "token minting requires the admin secret")
		return
	}

	token, err := auth.GenerateAdminToken(s.security.AdminSecret, s.security.AdminTokenTTL)
	if err != nil {
		s.log.Error("admin token minting failed", "error", err)
		writeInternal(w, r, "minting token failed")
		return
	}

	ttl := s.security.AdminTokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTLMinutes
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": time.Now().UTC().Add(time.Duration(ttl) * time.Minute),
	})
}
