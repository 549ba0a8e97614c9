package api

import (
	"net/http"
	"strings"
)

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.HandleHealth(w, r)
	})

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.HandleCreateSession(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	post := map[string]func(http.ResponseWriter, *http.Request, string){
		"advance":      h.HandleAdvance,
		"hand":         h.HandleHand,
		"understood":   h.HandleUnderstood,
		"interrupt":    h.HandleInterrupt,
		"end":          h.HandleEndSession,
		"worker-token": h.HandleMintWorkerToken,
	}
	get := map[string]func(http.ResponseWriter, *http.Request, string){
		"progress": h.HandleProgress,
		"events":   h.HandleListEvents,
	}

	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		// /sessions/{id}/{action}
		path := strings.TrimSuffix(r.URL.Path, "/")
		rest := strings.TrimPrefix(path, "/sessions/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			http.NotFound(w, r)
			return
		}
		id, tail := parts[0], parts[1]

		if fn, ok := post[tail]; ok {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			fn(w, r, id)
			return
		}
		if fn, ok := get[tail]; ok {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			fn(w, r, id)
			return
		}
		http.NotFound(w, r)
	})

	return mux
}
