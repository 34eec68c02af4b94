package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

func (s *Server) handleSubmitRide(w http.ResponseWriter, r *http.Request) {
	var req rides.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Rides.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearbyOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	open, err := s.Rides.NearbyOpen(r.Context(), lat, lon, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rides": open})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string  `json:"driver_id"`
		Price    float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offer, err := s.Market.SubmitOffer(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.Store.ListOffersByRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferID string `json:"offer_id"`
		Actor   string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Market.AcceptOffer(r.Context(), req.OfferID, mux.Vars(r)["ride_id"], req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target models.RideStatus `json:"target"`
		Actor  string            `json:"actor"`
		Note   string            `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.Transition(r.Context(), mux.Vars(r)["ride_id"], req.Target, req.Actor, req.Note)
	s.writeTransition(w, ride, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.Cancel(r.Context(), mux.Vars(r)["ride_id"], req.Actor, req.Reason)
	s.writeTransition(w, ride, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string   `json:"actor"`
		Rating *float64 `json:"rating"`
		Review string   `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.CompleteWithRating(r.Context(), mux.Vars(r)["ride_id"], req.Actor, req.Rating, req.Review)
	s.writeTransition(w, ride, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Store.HistoryForRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// writeTransition handles the one asymmetric outcome: the transition
// committed but the billing debit failed. The ride is returned with a
// warning instead of failing the request.
func (s *Server) writeTransition(w http.ResponseWriter, ride *models.Ride, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusOK, ride)
		return
	}
	if errs.IsLedger(err) {
		s.writeJSON(w, http.StatusOK, map[string]any{"ride": ride, "warning": err.Error()})
		return
	}
	s.writeError(w, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsConflict(err):
		status = http.StatusConflict
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
