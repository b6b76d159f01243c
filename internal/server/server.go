package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"releasegate/internal/authsig"
	"releasegate/internal/config"
	"releasegate/internal/credential"
	"releasegate/internal/escrow"
	"releasegate/internal/geo"
	"releasegate/internal/hmacauth"
	"releasegate/internal/idempotency"
	"releasegate/internal/release"
)

type Server struct {
	cfg         *config.AppConfig
	svc         *release.Service
	store       idempotency.Store
	buyerHMAC   *hmacauth.Verifier
	courierHMAC *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, svc *release.Service, chain escrow.Client,
	store idempotency.Store, log *zap.Logger) *Server {
	buyerVerifier := &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.BuyerAPISecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	courierVerifier := &hmacauth.Verifier{
		Secret:          cfg.Seed.Secrets.CourierAPISecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Courier-Signature",
		TimestampHeader: "X-Courier-Timestamp",
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:         cfg,
		svc:         svc,
		store:       store,
		buyerHMAC:   buyerVerifier,
		courierHMAC: courierVerifier,
		metrics:     metrics,
		log:         log,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := chain.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	r.Handle("/api/v1/otp/request",
		s.buyerHMAC.Middleware(http.HandlerFunc(s.handleRequestCredential))).Methods(http.MethodPost)
	r.Handle("/api/v1/deliveries/confirm",
		s.courierHMAC.Middleware(http.HandlerFunc(s.handleConfirmDelivery))).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/orders/{orderId}", s.handleGetOrder).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/api/v1/metrics", metrics.handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(r),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type gpsFix struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

func (g gpsFix) toFix() geo.Fix {
	return geo.Fix{Lat: g.Lat, Lon: g.Lon, AccuracyM: g.Accuracy, Timestamp: g.Timestamp}
}

type credentialRequest struct {
	OrderID  string `json:"orderId"`
	GPSBuyer gpsFix `json:"gpsBuyer"`
	Mode     string `json:"mode,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

type credentialResponse struct {
	OTP       string `json:"otp,omitempty"`
	QRPayload string `json:"qrPayload,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

type confirmRequest struct {
	OrderID    string `json:"orderId"`
	OTP        string `json:"otp,omitempty"`
	QRToken    string `json:"qrToken,omitempty"`
	GPSCourier gpsFix `json:"gpsCourier"`
	CourierID  string `json:"courierId,omitempty"`
	PhotoURI   string `json:"photoUri,omitempty"`
}

type confirmResponse struct {
	Status    string `json:"status"`
	TxHash    string `json:"txHash"`
	AuthNonce string `json:"authNonce"`
	ExpiresAt uint64 `json:"expiresAt"`
}

func (s *Server) handleRequestCredential(w http.ResponseWriter, r *http.Request) {
	var payload credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json payload")
		return
	}

	mode, err := credential.ParseMode(payload.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MODE", err.Error())
		return
	}

	grant, err := s.svc.RequestCredential(r.Context(), release.CredentialRequest{
		OrderID:  payload.OrderID,
		BuyerFix: payload.GPSBuyer.toFix(),
		Mode:     mode,
		DeviceID: payload.DeviceID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.metrics.incCredential(string(mode))
	writeJSON(w, http.StatusCreated, credentialResponse{
		OTP:       grant.OTP,
		QRPayload: grant.QRPayload,
		ExpiresAt: grant.ExpiresAt,
	})
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "missing X-Idempotency-Key header")
		return
	}

	ctx := r.Context()

	if existing, _ := s.store.Get(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRedemption("cached")
		return
	}

	var payload confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid json payload")
		return
	}
	if payload.OTP == "" && payload.QRToken == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CREDENTIAL", "otp or qrToken is required")
		return
	}

	receipt, err := s.svc.ConfirmDelivery(ctx, release.ConfirmRequest{
		OrderID:    payload.OrderID,
		OTP:        payload.OTP,
		QRToken:    payload.QRToken,
		CourierFix: payload.GPSCourier.toFix(),
		CourierID:  payload.CourierID,
		PhotoURI:   payload.PhotoURI,
	})
	if err != nil {
		var gf *credential.GeofenceError
		if errors.As(err, &gf) {
			s.metrics.observeDistance(gf.DistanceMeters)
		}
		s.metrics.incRedemption(redemptionResult(err))
		s.writeServiceError(w, err)
		return
	}

	s.metrics.incRedemption("redeemed")
	s.metrics.incRelease("submitted")
	s.metrics.observeDistance(receipt.Distance)

	resp := confirmResponse{
		Status:    receipt.Status,
		TxHash:    receipt.TxHash,
		AuthNonce: receipt.AuthNonce,
		ExpiresAt: receipt.ExpiresAt,
	}
	body, _ := json.Marshal(resp)

	record := idempotency.Record{
		StatusCode: http.StatusOK,
		Response:   body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, key, record); err != nil {
		s.log.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetOrder(r.Context(), mux.Vars(r)["orderId"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	})
}

// writeServiceError maps domain errors onto HTTP status codes and the
// shared error envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= 500 {
		s.log.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	var gf *credential.GeofenceError
	switch {
	case errors.Is(err, release.ErrInvalidOrderID):
		return http.StatusBadRequest, "INVALID_ORDER_ID"
	case errors.Is(err, geo.ErrInvalidLocation):
		return http.StatusBadRequest, "INVALID_LOCATION"
	case errors.Is(err, geo.ErrStaleLocation):
		return http.StatusBadRequest, "STALE_LOCATION"
	case errors.As(err, &gf):
		return http.StatusForbidden, "GEOFENCE_VIOLATION"
	case errors.Is(err, credential.ErrMismatch):
		return http.StatusForbidden, "CREDENTIAL_MISMATCH"
	case errors.Is(err, credential.ErrNotFound):
		return http.StatusNotFound, "CREDENTIAL_NOT_FOUND"
	case errors.Is(err, escrow.ErrOrderNotFound):
		return http.StatusNotFound, "ORDER_NOT_FOUND"
	case errors.Is(err, credential.ErrAlreadyRedeemed):
		return http.StatusConflict, "ALREADY_REDEEMED"
	case errors.Is(err, escrow.ErrOrderNotPending):
		return http.StatusConflict, "ORDER_NOT_PENDING"
	case errors.Is(err, credential.ErrExpired):
		return http.StatusGone, "CREDENTIAL_EXPIRED"
	case errors.Is(err, credential.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, authsig.ErrSigningUnavailable):
		return http.StatusServiceUnavailable, "SIGNING_UNAVAILABLE"
	case errors.Is(err, escrow.ErrNetworkTimeout):
		return http.StatusGatewayTimeout, "NETWORK_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func redemptionResult(err error) string {
	_, code := classify(err)
	return strings.ToLower(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = message
	writeJSON(w, status, env)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", strconv.FormatInt(time.Now().UnixNano(), 10))
		}
		next.ServeHTTP(w, r)
	})
}
