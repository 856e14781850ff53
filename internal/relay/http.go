package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/near-examples/passkey-wallet-engine/internal/httputil"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Server is the relay's HTTP surface: a gorilla/mux router exposing the
// Orchestrator's operations as JSON endpoints, per spec.md §4.H/§6.2.
// CORS allow-listing follows infrastructure/middleware/cors.go's
// origin-matching idiom; rate limiting follows
// infrastructure/middleware/ratelimit.go's per-key golang.org/x/time/rate
// limiter map, both reimplemented here rather than imported so the relay
// depends only on already-generalized shared packages.
type Server struct {
	o      *Orchestrator
	router *mux.Router
	cors   corsConfig
	limit  *keyedLimiter
}

type corsConfig struct {
	allowedOrigins []string
	allowAll       bool
}

// NewServer builds the relay's HTTP surface.
func NewServer(o *Orchestrator) *Server {
	cors := corsConfig{allowedOrigins: o.cfg.CORS.AllowedOrigins}
	for _, origin := range cors.allowedOrigins {
		if origin == "*" {
			cors.allowAll = true
		}
	}
	s := &Server{
		o:     o,
		cors:  cors,
		limit: newKeyedLimiter(rate.Limit(10), 20),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/create_account", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/create_account_and_register_user", s.handleCreateAccountAndRegisterUser).Methods(http.MethodPost)
	r.HandleFunc("/verify-authentication-response", s.handleVerifyAuthenticationResponse).Methods(http.MethodPost)
	r.HandleFunc("/apply-server-lock", s.handleApplyServerLock).Methods(http.MethodPost)
	r.HandleFunc("/remove-server-lock", s.handleRemoveServerLock).Methods(http.MethodPost)
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No allowlist configured, or the allowlist explicitly names "*":
		// per spec.md §6.2/§8, broadcast the wildcard and carry no
		// credentials header (the two are mutually exclusive per the
		// Fetch spec anyway).
		broadcast := len(s.cors.allowedOrigins) == 0 || s.cors.allowAll
		origin := r.Header.Get("Origin")
		switch {
		case broadcast:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		case origin != "" && s.originAllowed(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cors.allowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !s.limit.allow(key) {
			s.o.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{"key": key, "path": r.URL.Path})
			w.Header().Set("Retry-After", "1")
			httputil.WriteErrorWithCode(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyedLimiter hands out one rate.Limiter per key, grounded on
// infrastructure/middleware/ratelimit.go's RateLimiter.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newKeyedLimiter(r rate.Limit, burst int) *keyedLimiter {
	return &keyedLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.r, k.burst)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.o.rpc.ViewBlock(ctx, "", ""); err != nil {
		httputil.WriteErrorWithCode(w, http.StatusServiceUnavailable, "not_ready", "NEAR RPC unreachable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	res, err := s.o.CreateAccount(r.Context(), req)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleCreateAccountAndRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountAndRegisterUserRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	res, err := s.o.CreateAccountAndRegisterUser(r.Context(), req)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleVerifyAuthenticationResponse(w http.ResponseWriter, r *http.Request) {
	var req VerifyAuthenticationResponseRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	res, err := s.o.VerifyAuthenticationResponse(r.Context(), req)
	if err != nil {
		s.writeResult(w, r, nil, err)
		return
	}
	if req.SessionKind == SessionKindCookie && res.token != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     "w3a_session",
			Value:    res.token,
			Domain:   s.o.cfg.Session.CookieDomain,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: cookieSameSite(s.o.cfg.Session.SameSiteNone),
			MaxAge:   86400,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func cookieSameSite(none bool) http.SameSite {
	if none {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (s *Server) handleApplyServerLock(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRawBody(r)
	if err != nil {
		s.writeResult(w, r, nil, err)
		return
	}
	kekC, err := ResolveShamirField(body, "kek_c_b64u", "kekCB64U")
	if err != nil {
		s.writeResult(w, r, nil, err)
		return
	}
	res, err := s.o.ApplyServerLock(r.Context(), ApplyServerLockRequest{KEKCB64U: kekC})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleRemoveServerLock(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRawBody(r)
	if err != nil {
		s.writeResult(w, r, nil, err)
		return
	}
	kekCS, err := ResolveShamirField(body, "kek_cs_b64u", "kekCSB64U")
	if err != nil {
		s.writeResult(w, r, nil, err)
		return
	}
	res, err := s.o.RemoveServerLock(r.Context(), RemoveServerLockRequest{KEKCSB64U: kekCS})
	s.writeResult(w, r, res, err)
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res interface{}, err error) {
	if err != nil {
		status, code := httpStatusForError(err)
		httputil.WriteErrorWithCode(w, status, code, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func httpStatusForError(err error) (int, string) {
	kind := werrors.Classify(err)
	switch kind {
	case werrors.InvalidInput:
		return http.StatusBadRequest, string(kind)
	case werrors.AccountAlreadyExists:
		return http.StatusConflict, string(kind)
	case werrors.AccountMissing:
		return http.StatusNotFound, string(kind)
	case werrors.LackBalanceForState, werrors.RpcTransient:
		return http.StatusServiceUnavailable, string(kind)
	case werrors.ConfigError:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusBadGateway, string(kind)
	}
}

func decodeRawBody(r *http.Request) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "decode request body", err)
	}
	return m, nil
}
