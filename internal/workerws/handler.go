package workerws

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yuzu/tutor/internal/auth"
	"yuzu/tutor/internal/config"
	"yuzu/tutor/internal/store"

	ws "nhooyr.io/websocket"
)

// Inbound message types.
const (
	TypeWorkerHello     = "worker_hello"
	TypeNextTurn        = "next_turn"
	TypeHandRaised      = "hand_raised"
	TypeHandLowered     = "hand_lowered"
	TypeData            = "data"
	TypeTranscriptFinal = "transcript_final"
	TypeTTSStarted      = "tts_started"
	TypeTTSFirstAudio   = "tts_first_audio"
	TypeTTSStopped      = "tts_stopped"
	TypeVADStart        = "vad_start"
	TypeVADEnd          = "vad_end"
	TypeCmdAck          = "cmd_ack"
)

// Outbound message types.
const (
	TypeSay             = "say"
	TypeStopTTS         = "stop_tts"
	TypeSessionComplete = "session_complete"
)

type Message struct {
	Type        string         `json:"type"`
	TsMs        int64          `json:"ts_ms"`
	SessionID   string         `json:"session_id"`
	Seq         int64          `json:"seq"`
	CommandID   string         `json:"command_id,omitempty"`
	UtteranceID string         `json:"utterance_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// PayloadString reads a string payload field.
func (m Message) PayloadString(key string) (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	v, ok := m.Payload[key].(string)
	return v, ok
}

// PayloadBool reads a boolean payload field.
func (m Message) PayloadBool(key string) (bool, bool) {
	if m.Payload == nil {
		return false, false
	}
	v, ok := m.Payload[key].(bool)
	return v, ok
}

type Server struct {
	Cfg   config.Config
	Store *store.Store
	Reg   *Registry
	Log   *zap.Logger
	// OnMessage runs on the connection's read loop, so a session's messages
	// are handled one at a time and in order.
	OnMessage func(sessionID string, msg Message)
}

func NewServer(cfg config.Config, st *store.Store, reg *Registry, log *zap.Logger) *Server {
	return &Server{Cfg: cfg, Store: st, Reg: reg, Log: log.Named("workerws")}
}

func (s *Server) HandleWorkerWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	if s.Store.GetSession(sessionID) == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if _, err := auth.ValidateToken(s.Cfg.Worker.TokenSecret, token, auth.RoleWorker, sessionID, time.Now(), s.Cfg.Worker.TokenSkewSecs); err != nil {
		s.Log.Warn("worker auth rejected", zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		s.Log.Error("ws accept", zap.Error(err))
		return
	}
	if s.Reg.Replace(sessionID, c) {
		s.Store.AppendEvent(sessionID, "worker_replaced", nil)
	}
	s.Store.SetWorkerConnected(sessionID, true)
	s.Store.AppendEvent(sessionID, "worker_connected", nil)
	metricConnections.Inc()
	log := s.Log.With(zap.String("session_id", sessionID))
	log.Info("worker connected")

	s.readLoop(r, c, sessionID, log)

	_ = c.Close(ws.StatusNormalClosure, "done")
	s.Reg.Remove(sessionID, c)
	s.Store.SetWorkerConnected(sessionID, false)
	s.Store.AppendEvent(sessionID, "worker_disconnected", nil)
	metricConnections.Dec()
	log.Info("worker disconnected")
}

func (s *Server) readLoop(r *http.Request, c *ws.Conn, sessionID string, log *zap.Logger) {
	ratePerSec := s.Cfg.Worker.SignalRate
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	lim := rate.NewLimiter(rate.Limit(ratePerSec), 2*ratePerSec)

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		if !lim.Allow() {
			MetricSignalsInvalid.WithLabelValues("throttled").Inc()
			continue
		}
		msg, reason := Decode(data, sessionID)
		if reason != "" {
			MetricSignalsInvalid.WithLabelValues(reason).Inc()
			s.Store.AppendEvent(sessionID, "worker_msg_invalid", map[string]any{"reason": reason})
			log.Debug("ignoring worker message", zap.String("reason", reason))
			continue
		}
		metricMessagesIn.WithLabelValues(msg.Type).Inc()

		payload := map[string]any{}
		for k, v := range msg.Payload {
			payload[k] = v
		}
		payload["ts_ms"] = msg.TsMs
		payload["seq"] = msg.Seq
		if msg.CommandID != "" {
			payload["command_id"] = msg.CommandID
		}
		if msg.UtteranceID != "" {
			payload["utterance_id"] = msg.UtteranceID
		}
		s.Store.AppendEvent(sessionID, msg.Type, payload)

		if s.OnMessage != nil {
			s.OnMessage(sessionID, msg)
		}
	}
}

// Decode parses a worker frame. A non-empty reason means the frame is to be
// ignored.
func Decode(data []byte, sessionID string) (Message, string) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, "malformed_json"
	}
	if msg.Type == "" {
		return Message{}, "missing_type"
	}
	if msg.SessionID != "" && msg.SessionID != sessionID {
		return Message{}, "session_mismatch"
	}
	msg.SessionID = sessionID
	return msg, ""
}
