package handlers

import (
	"net/http"

	"chargeflow/backend/services/charging-service/internal/service"
)

// DevicesHandlers serves the device registry.
type DevicesHandlers struct {
	svc *service.ChargingService
}

// NewDevicesHandlers builds handler set.
func NewDevicesHandlers(svc *service.ChargingService) *DevicesHandlers {
	return &DevicesHandlers{svc: svc}
}

// List handles GET /devices.
func (h *DevicesHandlers) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.svc.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Get handles GET /devices/{deviceID}.
func (h *DevicesHandlers) Get(w http.ResponseWriter, r *http.Request) {
	device, err := h.svc.GetDevice(r.Context(), r.PathValue("deviceID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	payload := map[string]interface{}{"device": device}
	if live, ok := h.svc.Live(device.DeviceID); ok {
		payload["telemetry"] = live
	}
	writeJSON(w, http.StatusOK, payload)
}
