package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type createRideRequest struct {
	Origin        string   `json:"origin" validate:"required"`
	Destination   string   `json:"destination" validate:"required"`
	Distance      *float64 `json:"distance" validate:"required,gte=0"`
	VehicleClass  string   `json:"vehicle_class" validate:"required,oneof=bike scooty auto cab"`
	PaymentMethod string   `json:"payment_method" validate:"required,oneof=cod upi"`
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
	Code   string `json:"code"`
}

type rosterRequest struct {
	VehicleClass string `json:"vehicle_class" validate:"required,oneof=bike scooty auto cab"`
	Name         string `json:"name" validate:"required"`
	Phone        string `json:"phone" validate:"required"`
	VehicleReg   string `json:"vehicle_reg" validate:"required"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r.Context())
	if who.Role != models.RoleRequester {
		s.writeError(w, r, apperr.Auth("only requesters can book rides"))
		return
	}
	var body createRideRequest
	if err := decodeAndValidate(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.matcher.CreateRide(r.Context(), models.RideRequest{
		RequesterID: who.ID,
		Requester:   models.Contact{Name: who.Name, Phone: who.Phone},
		Route:       models.Route{Origin: body.Origin, Destination: body.Destination, Distance: *body.Distance},
		Class:       models.VehicleClass(body.VehicleClass),
		Payment:     models.PaymentMethod(body.PaymentMethod),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	noteRide(r.Context(), sum.RideID)
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r.Context())
	var body transitionRequest
	if err := decodeAndValidate(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.lifecycle.Transition(r.Context(), who, mux.Vars(r)["ride_id"], models.Status(body.Status), body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sync.ViewOf(r.Context(), who, updated))
}

// handleActiveRide answers 200 with a JSON null body when the caller has no
// active ride, so clients can poll it unconditionally.
func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	view, err := s.sync.ActiveRide(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Poll-Interval", strconv.Itoa(int(s.pollInterval.Seconds())))
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.sync.History(r.Context(), identityFrom(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": entries})
}

func (s *Server) handleDuty(online bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who := identityFrom(r.Context())
		if who.Role != models.RoleDriver {
			s.writeError(w, r, apperr.Auth("only drivers can change duty status"))
			return
		}
		if err := s.registry.SetOnline(r.Context(), who.ID, online); err != nil {
			s.writeError(w, r, err)
			return
		}
		observability.DriverStatusChangesTotal.WithLabelValues(strconv.FormatBool(online)).Inc()
		s.logger.Info("driver duty changed", "driver_id", who.ID, "online", online)
		writeJSON(w, http.StatusOK, map[string]any{"driver_id": who.ID, "online": online})
	}
}

// handleRosterUpsert is called by the onboarding system, not by drivers.
// It never changes online or claim state.
func (s *Server) handleRosterUpsert(w http.ResponseWriter, r *http.Request) {
	var body rosterRequest
	if err := decodeAndValidate(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := models.Driver{
		ID:      mux.Vars(r)["driver_id"],
		Class:   models.VehicleClass(body.VehicleClass),
		Profile: models.DriverProfile{Name: body.Name, Phone: body.Phone, VehicleReg: body.VehicleReg},
	}
	if err := s.registry.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
