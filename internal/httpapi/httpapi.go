// Package httpapi exposes the local control surface: status, device
// listings, redacted diagnostics, re-authentication and Protect settings.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
	"github.com/Jastroger/ha-nest-protect/internal/core/observe"
	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/core/stream"
)

// Server is the HTTP API server.
type Server struct {
	sync        *observe.Synchronizer
	cache       *state.Cache
	tokenMgr    *auth.TokenManager
	oauth       *auth.Client
	redirectURI string
	corsAll     bool
	log         *slog.Logger
	mux         *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(
	sync *observe.Synchronizer,
	cache *state.Cache,
	tokenMgr *auth.TokenManager,
	oauth *auth.Client,
	redirectURI string,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		sync:        sync,
		cache:       cache,
		tokenMgr:    tokenMgr,
		oauth:       oauth,
		redirectURI: redirectURI,
		corsAll:     corsAll,
		log:         log,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{key}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/structures", s.handleGetStructures)
	s.mux.HandleFunc("GET /api/diagnostics", s.handleGetDiagnostics)

	s.mux.HandleFunc("GET /api/auth/url", s.handleGetAuthURL)
	s.mux.HandleFunc("POST /api/auth/code", s.handlePostAuthCode)

	s.mux.HandleFunc("POST /api/control/pathlight", s.handleControlPathlight)
	s.mux.HandleFunc("POST /api/control/brightness", s.handleControlBrightness)
	s.mux.HandleFunc("POST /api/control/greenled", s.handleControlGreenLED)
	s.mux.HandleFunc("POST /api/control/headsup", s.handleControlHeadsUp)
	s.mux.HandleFunc("POST /api/control/steamcheck", s.handleControlSteamCheck)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Status / devices ---

type statusResponse struct {
	Phase        string `json:"phase"`
	Connected    bool   `json:"connected"`
	AuthRequired bool   `json:"auth_required"`
	Devices      int    `json:"devices"`
	Sensors      int    `json:"sensors"`
	Structures   int    `json:"structures"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	phase := s.sync.Phase()
	s.writeJSON(w, statusResponse{
		Phase:        phase.String(),
		Connected:    phase == observe.PhaseStreaming,
		AuthRequired: s.sync.AuthRequired(),
		Devices:      len(s.cache.ByBucket(stream.BucketTopaz)),
		Sensors:      len(s.cache.ByBucket(stream.BucketKryptonite)),
		Structures:   len(s.cache.ByBucket(stream.BucketStructure)),
	})
}

type deviceSummary struct {
	ObjectKey  string `json:"object_key"`
	BucketType string `json:"bucket_type"`
	Serial     string `json:"serial,omitempty"`
	Model      string `json:"model,omitempty"`
	Room       string `json:"room,omitempty"`
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	var out []deviceSummary
	for _, bucketType := range []string{stream.BucketTopaz, stream.BucketKryptonite} {
		for _, rec := range s.cache.ByBucket(bucketType) {
			serial, _ := rec.String("serial_number")
			model, _ := rec.String("model")
			out = append(out, deviceSummary{
				ObjectKey:  rec.ObjectKey,
				BucketType: rec.BucketType,
				Serial:     serial,
				Model:      model,
				Room:       s.cache.WhereName(rec.StructureID, rec.WhereID),
			})
		}
	}
	s.writeJSON(w, map[string]any{"devices": out})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rec, ok := s.cache.Get(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device: "+key)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleGetStructures(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"structures": s.cache.ByBucket(stream.BucketStructure),
		"wheres":     s.cache.ByBucket(stream.BucketWhere),
	})
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, _ *http.Request) {
	snap := s.cache.Snapshot()
	redacted := make(map[string]any, len(snap))
	for key, rec := range snap {
		redacted[key] = map[string]any{
			"bucket_type": rec.BucketType,
			"revision":    rec.Revision,
			"fields":      redactMap(rec.Fields),
		}
	}
	s.writeJSON(w, map[string]any{"cache": redacted})
}

// --- Re-authentication ---

func (s *Server) handleGetAuthURL(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"url": s.oauth.AuthorizeURL(s.redirectURI)})
}

type authCodeBody struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

func (s *Server) handlePostAuthCode(w http.ResponseWriter, r *http.Request) {
	var body authCodeBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	redirectURI := body.RedirectURI
	if redirectURI == "" {
		redirectURI = s.redirectURI
	}

	cred, err := s.oauth.ExchangeCode(r.Context(), body.Code, redirectURI)
	if err != nil {
		if errors.Is(err, auth.ErrAuthExpired) {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, "code exchange failed: "+err.Error())
		return
	}

	s.tokenMgr.SetCredential(r.Context(), cred)
	s.sync.Wake()
	s.writeJSON(w, map[string]string{"status": "ok", "user_id": cred.UserID})
}

// --- Control ---

type toggleBody struct {
	ObjectKey string `json:"object_key"`
	Enabled   bool   `json:"enabled"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, apply func(string, bool) error) {
	var body toggleBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.ObjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "object_key is required")
		return
	}
	if err := apply(body.ObjectKey, body.Enabled); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleControlPathlight(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, func(key string, on bool) error {
		return s.sync.SetNightLight(r.Context(), key, on)
	})
}

func (s *Server) handleControlGreenLED(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, func(key string, on bool) error {
		return s.sync.SetGreenLED(r.Context(), key, on)
	})
}

func (s *Server) handleControlHeadsUp(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, func(key string, on bool) error {
		return s.sync.SetHeadsUp(r.Context(), key, on)
	})
}

func (s *Server) handleControlSteamCheck(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, func(key string, on bool) error {
		return s.sync.SetSteamCheck(r.Context(), key, on)
	})
}

type brightnessBody struct {
	ObjectKey string `json:"object_key"`
	Level     int    `json:"level"`
}

func (s *Server) handleControlBrightness(w http.ResponseWriter, r *http.Request) {
	var body brightnessBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.ObjectKey == "" {
		s.writeError(w, http.StatusBadRequest, "object_key is required")
		return
	}
	if err := s.sync.SetNightLightBrightness(r.Context(), body.ObjectKey, body.Level); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}
