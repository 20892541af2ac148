package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Agrid-Dev/thermopid/internal/ports"
	"github.com/Agrid-Dev/thermopid/internal/thermostat"
)

type Server struct {
	svc      ports.ThermostatService
	srv      *http.Server
	deviceID string
	log      *slog.Logger
}

// New returns a runnable server.
func New(svc ports.ThermostatService, addr string, deviceID string) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID, log: slog.Default().With("controller", "http")}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)
	mux.HandleFunc("GET /v1/presets", s.handleGetPresets)

	// Write: one endpoint per operation
	mux.HandleFunc("POST /v1/mode", s.handlePostMode)
	mux.HandleFunc("POST /v1/preset", s.handlePostPreset)
	mux.HandleFunc("POST /v1/target_temperature", s.handlePostTarget)
	mux.HandleFunc("POST /v1/control_parameters", s.handlePostControlParameters)
	mux.HandleFunc("POST /v1/reset_integral", s.handlePostResetIntegral)
	mux.HandleFunc("POST /v1/autotune/start", s.handlePostAutotuneStart)
	mux.HandleFunc("POST /v1/autotune/stop", s.handlePostAutotuneStop)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handleGetPresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"presets": s.svc.Presets()})
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "heat"}
	postValue(s, w, r, func(v string) error {
		m, err := thermostat.ParseMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetMode(m)
	})
}

func (s *Server) handlePostPreset(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "away"}
	postValue(s, w, r, s.svc.SetPreset)
}

func (s *Server) handlePostTarget(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, s.svc.SetTargetTemperature)
}

func (s *Server) handlePostControlParameters(w http.ResponseWriter, r *http.Request) {
	// body: {"kp": 0.4, "ki": 0.01, "kd": 0}
	postBody(s, w, r, func(req ports.ControlParametersRequest) error {
		kp, ki, kd, ok := req.Gains()
		if !ok {
			return errMissingKp
		}
		return s.svc.SetControlParameters(kp, ki, kd)
	})
}

func (s *Server) handlePostResetIntegral(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetIntegralTerm()
	s.respondSnapshot(w)
}

func (s *Server) handlePostAutotuneStart(w http.ResponseWriter, r *http.Request) {
	// body: {"noiseband": 0.25, "positive_output": 1, "negative_output": -1}, all optional
	if r.ContentLength == 0 {
		s.apply(w, func() error { return s.svc.StartAutotune(s.svc.AutotuneDefaults()) })
		return
	}
	postBody(s, w, r, func(req ports.AutotuneRequest) error {
		return s.svc.StartAutotune(req.Options(s.svc.AutotuneDefaults()))
	})
}

func (s *Server) handlePostAutotuneStop(w http.ResponseWriter, _ *http.Request) {
	s.apply(w, s.svc.StopAutotune)
}

// ---- generic helpers ----

var errMissingKp = errors.New("missing field 'kp'")

func (s *Server) respondSnapshot(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, ports.NewSnapshotDTO(s.deviceID, s.svc.Get()))
}

func (s *Server) apply(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeErr(w, statusFor(err), err.Error())
		return
	}
	s.respondSnapshot(w)
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}
	s.apply(w, func() error { return apply(*req.Value) })
}

func postBody[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req T
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.apply(w, func() error { return apply(req) })
}

// statusFor maps rejected requests that conflict with the loop state to 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, thermostat.ErrAutotuneAlreadyRunning),
		errors.Is(err, thermostat.ErrAutotuneNotRunning),
		errors.Is(err, thermostat.ErrRequestPending):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
