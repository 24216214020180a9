package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/CardFlight/payment-agent/internal/amount"
	"github.com/CardFlight/payment-agent/internal/config"
	"github.com/CardFlight/payment-agent/internal/errs"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/manager"
	"github.com/CardFlight/payment-agent/internal/merchant"
	"github.com/CardFlight/payment-agent/internal/record"
	"github.com/CardFlight/payment-agent/internal/settings"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

const requestTimeout = 30 * time.Second

// Server serves the HTTP and WebSocket API on top of a TransactionManager.
type Server struct {
	manager        *manager.TransactionManager
	hub            *WSHub
	defaultAccount *merchant.Account
	shutdown       func()
	origins        []string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDefaultAccount is used by requests that name no merchant account.
func WithDefaultAccount(acct *merchant.Account) ServerOption {
	return func(s *Server) { s.defaultAccount = acct }
}

// WithAllowedOrigins sets the browser origins that may use the API. An
// origin without a port matches every port; "*" matches anything.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = slices.Clone(origins) }
}

// WithShutdownHandler enables POST /v1/shutdown.
func WithShutdownHandler(fn func()) ServerOption {
	return func(s *Server) { s.shutdown = fn }
}

// NewServer returns a Server. hub must already be running.
func NewServer(m *manager.TransactionManager, hub *WSHub, opts ...ServerOption) *Server {
	s := &Server{manager: m, hub: hub, origins: config.DefaultAllowedOrigins}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultAccount != nil {
		m.RegisterAccount(s.defaultAccount)
	}
	return s
}

// Handler constructs the router for the API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware, s.originMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/ws", s.handleWebSocket)
	v1.HandleFunc("/readers", s.handleListReaders).Methods(http.MethodGet)
	v1.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/{action:refresh|void|capture|refund}", s.handleTransactionAction).Methods(http.MethodPost)
	v1.HandleFunc("/merchant/validate", s.handleValidateMerchant).Methods(http.MethodPost)
	v1.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	v1.HandleFunc("/logs", handleLogs).Methods(http.MethodGet, http.MethodDelete)
	v1.HandleFunc("/crashes", handleCrashes).Methods(http.MethodGet)
	v1.HandleFunc("/settings", s.handleSettings).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/version", handleVersion).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)

	return handlers.CORS(
		handlers.AllowedOriginValidator(s.originAllowed),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(r)
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, context)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether a browser page from origin may call the
// API. Requests without an Origin header do not come from a web page.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, allowed := range s.origins {
		if allowed == "*" {
			return true
		}
		a, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if !strings.EqualFold(a.Scheme, u.Scheme) || !strings.EqualFold(a.Hostname(), u.Hostname()) {
			continue
		}
		if a.Port() == "" || a.Port() == u.Port() {
			return true
		}
	}
	return false
}

// originMiddleware refuses requests from pages on other origins. CORS alone
// only hides responses; the request would still run.
func (s *Server) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); !s.originAllowed(origin) {
			logging.Warn(logging.CatHTTP, "Request from disallowed origin", map[string]any{
				"origin": origin,
				"path":   r.URL.Path,
			})
			respondJSON(w, http.StatusForbidden, map[string]string{
				"error": "origin not allowed",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// statusFor maps error codes to HTTP statuses.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidArgument, errs.CodeDeferred:
		return http.StatusBadRequest
	case errs.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidState:
		return http.StatusConflict
	case errs.CodeDeclined:
		return http.StatusPaymentRequired
	case errs.CodeNetwork, errs.CodeGateway:
		return http.StatusBadGateway
	case errs.CodeReader:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error(logging.CatHTTP, "Request failed", map[string]any{"error": err.Error()})
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  errs.CodeOf(err).String(),
	})
}

// accountRef names a merchant account in a request. An empty AccountID
// means the server's default account; the API key is always required.
type accountRef struct {
	AccountID string `json:"accountId"`
	APIKey    string `json:"apiKey"`
}

func keyMatches(acct *merchant.Account, apiKey string) bool {
	return acct != nil && apiKey != "" && subtle.ConstantTimeCompare([]byte(acct.APIKey), []byte(apiKey)) == 1
}

// bearerToken returns the API key sent as "Authorization: Bearer <key>".
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// resolveAccount returns a registered account for ref, creating and
// validating it on first use or when the key changed.
func (s *Server) resolveAccount(ctx context.Context, ref accountRef) (*merchant.Account, error) {
	if ref.APIKey == "" {
		return nil, errs.New(errs.CodeInvalidCredentials, "apiKey is required")
	}
	if ref.AccountID == "" {
		if s.defaultAccount == nil {
			return nil, errs.New(errs.CodeInvalidArgument, "accountId is required")
		}
		if !keyMatches(s.defaultAccount, ref.APIKey) {
			return nil, errs.New(errs.CodeInvalidCredentials, "api key does not match the merchant account")
		}
		return s.defaultAccount, nil
	}
	if acct, ok := s.manager.Account(ref.AccountID); ok && keyMatches(acct, ref.APIKey) {
		return acct, nil
	}

	acct, err := s.manager.Merchants().Create(ref.AccountID, ref.APIKey)
	if err != nil {
		return nil, err
	}
	if err := s.manager.Merchants().ValidateSync(ctx, acct); err != nil {
		return nil, err
	}
	s.manager.RegisterAccount(acct)
	return acct, nil
}

// authorizeRecord checks that r carries the API key of the account rec
// belongs to.
func (s *Server) authorizeRecord(r *http.Request, rec *record.Record) error {
	acct, ok := s.manager.Account(rec.MerchantAccountID)
	if !ok {
		return errs.New(errs.CodeNotFound, "merchant account %q is not registered", rec.MerchantAccountID)
	}
	if !keyMatches(acct, bearerToken(r)) {
		return errs.New(errs.CodeInvalidCredentials, "the merchant api key is required as a bearer token")
	}
	return nil
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	driver := s.manager.Driver()
	if driver == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	readers, err := driver.Readers(r.Context())
	if err != nil {
		respondError(w, errs.Wrap(errs.CodeReader, err, "failed to list readers"))
		return
	}
	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := record.ListOptions{
		MerchantAccountID: query.Get("accountId"),
		ParentID:          query.Get("parentId"),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			opts.Limit = min(l, 500)
		}
	}

	recs, err := s.manager.History(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	if recs == nil {
		recs = []*record.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transactions": recs,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Record(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	if r.URL.Query().Get("view") == "historical" {
		respondJSON(w, http.StatusOK, rec.Historical())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTransactionAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rec, err := s.manager.Record(ctx, vars["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.authorizeRecord(r, rec); err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		Amount amount.Amount `json:"amount"`
	}
	if vars["action"] == "capture" || vars["action"] == "refund" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}
	}

	logging.Info(logging.CatHTTP, "Transaction action", map[string]any{
		"id":     rec.ID,
		"action": vars["action"],
	})

	switch vars["action"] {
	case "refresh":
		err = s.manager.RefreshSync(ctx, rec)
	case "void":
		err = s.manager.VoidSync(ctx, rec)
	case "capture":
		err = s.manager.CaptureSync(ctx, rec, req.Amount)
	case "refund":
		var refund *record.Record
		refund, err = s.manager.RefundSync(ctx, rec, req.Amount)
		if err == nil {
			respondJSON(w, http.StatusOK, map[string]any{
				"transaction": rec,
				"refund":      refund,
			})
			return
		}
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transaction": rec,
	})
}

func (s *Server) handleValidateMerchant(w http.ResponseWriter, r *http.Request) {
	var ref accountRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if ref.AccountID == "" || ref.APIKey == "" {
		respondError(w, errs.New(errs.CodeInvalidArgument, "accountId and apiKey are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	acct, err := s.manager.Merchants().Create(ref.AccountID, ref.APIKey)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.manager.Merchants().ValidateSync(ctx, acct); err != nil {
		respondError(w, err)
		return
	}
	s.manager.RegisterAccount(acct)
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"account": acct,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ref := accountRef{AccountID: query.Get("accountId"), APIKey: query.Get("apiKey")}
	if ref.APIKey == "" {
		ref.APIKey = bearerToken(r)
	}
	acct, err := s.resolveAccount(ctx, ref)
	if err != nil {
		respondError(w, err)
		return
	}

	done := make(chan []merchant.Capability, 1)
	s.manager.Capabilities(acct, func(c []merchant.Capability) { done <- c })
	select {
	case caps := <-done:
		if caps == nil {
			caps = []merchant.Capability{}
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"accountId":    acct.ID,
			"capabilities": caps,
		})
	case <-ctx.Done():
		respondError(w, errs.Wrap(errs.CodeNetwork, ctx.Err(), "capabilities lookup timed out"))
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) readerCount(ctx context.Context) int {
	driver := s.manager.Driver()
	if driver == nil {
		return 0
	}
	readers, err := driver.Readers(ctx)
	if err != nil {
		return 0
	}
	return len(readers)
}

func (s *Server) health(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"status":       "ok",
		"readerCount":  s.readerCount(ctx),
		"reachability": s.manager.Reachability(),
		"clients":      s.hub.ClientCount(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.health(r.Context()))
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.shutdown()
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if l, ok := logging.ParseLevel(query.Get("level")); ok {
			minLevel = &l
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Check if requesting a specific crash log
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respondJSON(w, http.StatusOK, settings.Get())
		return
	}

	var req struct {
		CrashReporting *bool `json:"crashReporting"`
		ConsoleLogging *bool `json:"consoleLogging"`
		Offline        *bool `json:"offline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	err := settings.Update(func(cur *settings.Settings) {
		if req.CrashReporting != nil {
			cur.CrashReporting = *req.CrashReporting
		}
		if req.ConsoleLogging != nil {
			cur.ConsoleLogging = *req.ConsoleLogging
		}
		if req.Offline != nil {
			cur.Offline = *req.Offline
		}
	})
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save settings: " + err.Error(),
		})
		return
	}

	// console logging and reachability apply immediately
	current := settings.Get()
	logging.SetConsole(current.ConsoleLogging)
	if current.Offline {
		s.manager.SetReachability(transaction.ReachabilityNone)
	} else {
		s.manager.SetReachability(transaction.ReachabilityFull)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"settings": current,
		"message":  "Settings updated. Crash reporting changes take effect after a restart.",
	})
}
