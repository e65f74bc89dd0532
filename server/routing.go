package server

import (
	"net/http"
)

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Admin
	mux.HandleFunc("POST /admin/usedcss/clear", s.cors(s.HandleClear))
	mux.HandleFunc("GET /admin/usedcss/nonce", s.cors(s.HandleNonce))
	mux.HandleFunc("GET /admin/usedcss/notice", s.cors(s.HandleNotice))

	// Content-change webhooks
	mux.HandleFunc("POST /hooks/post/{id}", s.cors(s.HandlePostChanged))
	mux.HandleFunc("POST /hooks/term/{id}", s.cors(s.HandleTermChanged))
	mux.HandleFunc("POST /hooks/theme-switched", s.cors(s.HandleThemeSwitched))
	mux.HandleFunc("POST /hooks/rules-changed", s.cors(s.HandleRulesChanged))

	// Pages and resources
	mux.HandleFunc("POST /usedcss/request", s.cors(s.HandleRequest))
	mux.HandleFunc("POST /usedcss/resources", s.cors(s.HandleResource))
	mux.HandleFunc("GET /usedcss/records", s.cors(s.HandleRecords))

	mux.HandleFunc("OPTIONS /", s.cors(func(http.ResponseWriter, *http.Request) {}))
	mux.HandleFunc("GET /health", s.HandleHealth)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWS)
	}
	return mux
}

// cors adds CORS headers for configured origins and answers preflights
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, s.allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+PrincipalHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
