package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/marketplace"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Store  storage.RideStore
	Rides  *rides.Service
	Market *marketplace.Marketplace
	Engine *lifecycle.Engine
	Broker *feed.Broker
	Notify *notify.Dispatcher

	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(store storage.RideStore, rideSvc *rides.Service, market *marketplace.Marketplace,
	engine *lifecycle.Engine, broker *feed.Broker, notifier *notify.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Store:  store,
		Rides:  rideSvc,
		Market: market,
		Engine: engine,
		Broker: broker,
		Notify: notifier,
		mux:    mux.NewRouter(),
		logger: logger,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleSubmitRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/open", s.handleNearbyOpen).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/offers", s.handleSubmitOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/transition", s.handleTransition).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/history", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/feed/{role}/{user_id}", s.handleFeed)
	s.mux.HandleFunc("/ws/notify/{user_id}", s.handleNotifySocket)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
