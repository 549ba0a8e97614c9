package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuzu/tutor/internal/auth"
	"yuzu/tutor/internal/config"
	"yuzu/tutor/internal/health"
	"yuzu/tutor/internal/loop"
	"yuzu/tutor/internal/mode"
	"yuzu/tutor/internal/registry"
	"yuzu/tutor/internal/store"
	"yuzu/tutor/internal/tutor"
	"yuzu/tutor/internal/types"
)

type Handlers struct {
	cfg      config.Config
	store    *store.Store
	sessions *registry.Registry
	disp     *loop.Dispatcher
	checks   []health.Checker
	log      *zap.Logger
}

func NewHandlers(cfg config.Config, st *store.Store, sessions *registry.Registry, disp *loop.Dispatcher, log *zap.Logger, checks ...health.Checker) *Handlers {
	return &Handlers{cfg: cfg, store: st, sessions: sessions, disp: disp, checks: checks, log: log.Named("api")}
}

type createRequest struct {
	RoomName string `json:"room_name"`
	Mode     string `json:"mode,omitempty"`
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	var (
		m   mode.Mode
		err error
	)
	if req.Mode != "" {
		if m, err = mode.Parse(req.Mode); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		var ok bool
		if m, ok = mode.FromRoomName(req.RoomName); !ok {
			http.Error(w, "mode missing and room name carries no mode marker", http.StatusBadRequest)
			return
		}
	}

	id := uuid.New().String()
	sess := &types.Session{
		ID:        id,
		RoomName:  req.RoomName,
		Mode:      m.String(),
		CreatedAt: time.Now().UTC(),
		Status:    types.StatusCreated,
	}
	if err := h.store.CreateSession(sess); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, store.ErrRoomTaken) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	if _, err := h.sessions.Open(id, m); err != nil {
		_ = h.store.SetStatus(id, types.StatusFailed)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = h.store.SetStatus(id, types.StatusActive)
	h.store.AppendEvent(id, "session_created", map[string]any{"room_name": req.RoomName, "mode": m.String()})
	h.log.Info("session created", zap.String("session_id", id), zap.Stringer("mode", m))

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"room_name":  req.RoomName,
		"mode":       m.String(),
		"sections":   h.sessions.Corpus().Len(),
		"fragments":  h.sessions.Corpus().TotalFragments(),
	})
}

func (h *Handlers) HandleAdvance(w http.ResponseWriter, r *http.Request, id string) {
	d, err := h.disp.Turn(r.Context(), id)
	switch {
	case errors.Is(err, loop.ErrUnknownSession):
		http.NotFound(w, r)
		return
	case errors.Is(err, tutor.ErrSessionFailed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) HandleHand(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Raised *bool `json:"raised"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Raised == nil {
		http.Error(w, "body must be {\"raised\": bool}", http.StatusBadRequest)
		return
	}
	var err error
	if *req.Raised {
		err = h.disp.RaiseHand(id)
	} else {
		err = h.disp.LowerHand(id)
	}
	if errors.Is(err, loop.ErrUnknownSession) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "hand_raised": *req.Raised})
}

func (h *Handlers) HandleUnderstood(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ok, err := h.disp.Understood(r.Context(), id, req.Response)
	switch {
	case errors.Is(err, loop.ErrUnknownSession):
		http.NotFound(w, r)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"understood": ok})
}

func (h *Handlers) HandleInterrupt(w http.ResponseWriter, r *http.Request, id string) {
	ok, err := h.disp.Interrupt(id)
	if errors.Is(err, loop.ErrUnknownSession) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"honoured": ok})
}

func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	h.sessions.Close(id)
	h.disp.Forget(id)
	_ = h.store.SetStatus(id, types.StatusEnded)
	h.store.AppendEvent(id, "session_ended", nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) HandleProgress(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := h.sessions.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, sess.Progress())
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     h.store.ListEvents(id),
	})
}

func (h *Handlers) HandleMintWorkerToken(w http.ResponseWriter, r *http.Request, id string) {
	if h.store.GetSession(id) == nil {
		http.NotFound(w, r)
		return
	}
	if h.cfg.Worker.TokenSecret == "" {
		http.Error(w, "worker tokens disabled", http.StatusServiceUnavailable)
		return
	}
	exp := time.Now().Add(time.Duration(h.cfg.Worker.TokenTTLMin) * time.Minute).Unix()
	tok, err := auth.GenerateToken(h.cfg.Worker.TokenSecret, auth.RoleWorker, id, exp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.store.AppendEvent(id, "worker_token_minted", map[string]any{"exp": exp})
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "exp": exp})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := health.CheckAll(r.Context(), h.checks...)
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
