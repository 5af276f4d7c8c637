package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iotflow/iotflow-core/internal/device"
	"github.com/iotflow/iotflow-core/internal/liveness"
)

// registerResponse is the one response that ever carries an api_key for
// a freshly registered device.
type registerResponse struct {
	Device registeredDevice `json:"device"`
}

type registeredDevice struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	APIKey    string             `json:"api_key"`
	Status    device.AdminStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// registerConflict is the 409 envelope. It carries the existing
// device's id so an operator can find the holder, but never its key.
type registerConflict struct {
	ErrorBody
	ExistingID int64 `json:"existing_id"`
}

// statusResponse answers liveness questions about one device.
type statusResponse struct {
	ID           int64              `json:"id"`
	Name         string             `json:"name"`
	IsOnline     bool               `json:"is_online"`
	LastSeen     *time.Time         `json:"last_seen"`
	Status       device.AdminStatus `json:"status"`
	StatusSource string             `json:"status_source"`
}

// configResponse echoes the device-writable profile fields.
type configResponse struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Location        string    `json:"location"`
	FirmwareVersion string    `json:"firmware_version"`
	HardwareVersion string    `json:"hardware_version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// handleRegister creates a device and returns its credential.
//
// The api_key appears in this response and nowhere else. A name
// collision answers 409 with the existing id; it never reveals or
// rotates the existing key, so squatting on a name cannot steal the
// holder's credential.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var profile device.Profile
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&profile); err != nil {
		writeValidation(w, r, "invalid registration payload: "+err.Error())
		return
	}

	result, err := s.devices.Register(r.Context(), profile)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidProfile), errors.Is(err, device.ErrInvalidName):
			writeValidation(w, r, err.Error())
		default:
			s.log.Error("device registration failed", "name", profile.Name, "error", err)
			writeInternal(w, r, "registration failed")
		}
		return
	}

	if result.NameTaken {
		writeJSON(w, http.StatusConflict, registerConflict{
			ErrorBody:  errorBody(r, KindConflict, "device name already registered"),
			ExistingID: result.ExistingID,
		})
		return
	}

	dev := result.Device
	s.log.Info("device registered",
		"device_id", dev.ID,
		"name", dev.Name,
		"device_type", dev.DeviceType,
	)
	writeJSON(w, http.StatusCreated, registerResponse{Device: registeredDevice{
		ID:        dev.ID,
		Name:      dev.Name,
		APIKey:    dev.APIKey,
		Status:    dev.Status,
		CreatedAt: dev.CreatedAt,
	}})
}

// handleOwnStatus reports the calling device's liveness. The device row
// is re-read rather than served from the auth cache; status answers
// should not lag a heartbeat by the cache TTL.
func (s *Server) handleOwnStatus(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return
	}

	dev, err := s.devices.GetByID(r.Context(), ident.Device.ID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device no longer exists")
			return
		}
		writeInternal(w, r, "loading device failed")
		return
	}

	st := s.presence.Check(r.Context(), dev)
	writeJSON(w, http.StatusOK, statusBody(dev, st))
}

// handleHeartbeat records device contact in the store and the liveness
// cache. A dead cache degrades the response, not the heartbeat: the
// store write alone keeps last_seen truthful.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return
	}

	now := time.Now().UTC()
	if err := s.devices.TouchLastSeen(r.Context(), ident.Device.ID, now); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device no longer exists")
			return
		}
		s.log.Error("heartbeat write failed", "device_id", ident.Device.ID, "error", err)
		writeInternal(w, r, "recording heartbeat failed")
		return
	}
	if err := s.presence.SetOnline(r.Context(), ident.Device.ID, now); err != nil {
		s.log.Warn("presence update failed, store carries last_seen",
			"device_id", ident.Device.ID,
			"error", err,
		)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"last_seen": now,
	})
}

// handleGetConfig echoes the device's current profile fields.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return
	}

	dev, err := s.devices.GetByID(r.Context(), ident.Device.ID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, r, "device no longer exists")
			return
		}
		writeInternal(w, r, "loading device failed")
		return
	}

	writeJSON(w, http.StatusOK, configBody(dev))
}

// handleUpdateConfig applies a device-initiated partial profile update.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return
	}

	var patch device.ConfigPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeValidation(w, r, "invalid config payload: "+err.Error())
		return
	}
	if patch.Empty() {
		writeValidation(w, r, "config update contains no fields")
		return
	}

	dev, err := s.devices.UpdateConfig(r.Context(), ident.Device.ID, patch)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, r, "device no longer exists")
		case errors.Is(err, device.ErrInvalidProfile):
			writeValidation(w, r, err.Error())
		default:
			s.log.Error("config update failed", "device_id", ident.Device.ID, "error", err)
			writeInternal(w, r, "updating config failed")
		}
		return
	}

	s.log.Info("device config updated", "device_id", dev.ID)
	writeJSON(w, http.StatusOK, configBody(dev))
}

// handleMQTTCredentials hands the device its broker login. The username
// is the device id and the password is the api_key the caller just
// authenticated with, matching what the broker's auth plugin verifies.
func (s *Server) handleMQTTCredentials(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		writeInternal(w, r, "no identity on request")
		return
	}

	dev := ident.Device
	writeJSON(w, http.StatusOK, map[string]any{
		"broker_host": s.mqttCfg.Broker.Host,
		"broker_port": s.mqttCfg.Broker.Port,
		"username":    strconv.FormatInt(dev.ID, 10),
		"password":    dev.APIKey,
		"client_id":   clientID(dev),
	})
}

// handleDeviceStatus is the admin view of any device's liveness.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
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

	st := s.presence.Check(r.Context(), dev)
	writeJSON(w, http.StatusOK, statusBody(dev, st))
}

// statusBody builds the liveness answer for one device.
func statusBody(dev *device.Device, st *liveness.Status) statusResponse {
	return statusResponse{
		ID:           dev.ID,
		Name:         dev.Name,
		IsOnline:     st.Online,
		LastSeen:     st.LastSeen,
		Status:       dev.Status,
		StatusSource: st.Source,
	}
}

// configBody builds the profile echo for one device.
func configBody(dev *device.Device) configResponse {
	return configResponse{
		ID:              dev.ID,
		Name:            dev.Name,
		Description:     dev.Description,
		Location:        dev.Location,
		FirmwareVersion: dev.FirmwareVersion,
		HardwareVersion: dev.HardwareVersion,
		UpdatedAt:       dev.UpdatedAt,
	}
}

// clientID derives the stable MQTT client id a device should connect
// with: its id plus its name with spaces flattened.
func clientID(dev *device.Device) string {
	name := strings.ReplaceAll(dev.Name, " ", "_")
	return "device_" + strconv.FormatInt(dev.ID, 10) + "_" + name
}

// deviceIDParam parses the {id} route parameter.
func deviceIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("device id must be a positive integer")
	}
	return id, nil
}
