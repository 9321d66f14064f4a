// Package api provides the HTTP and WebSocket server for batch submission,
// status and results.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/backtester"
	"github.com/atlas-desktop/swing-backtester/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Batch statuses
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchCancelled = "cancelled"
)

// ServerConfig configures the listener
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	// DefaultParallel applies to batches that do not set maxParallel
	DefaultParallel int `mapstructure:"default_parallel"`
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "localhost",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// BatchExecutor runs a batch to completion; backtester.BatchRunner implements it
type BatchExecutor interface {
	Run(ctx context.Context, batchID string, spec backtester.BatchSpec) []*backtester.UnitResult
}

// ConfigCatalog lists stored config versions; config.Store implements it
type ConfigCatalog interface {
	ListVersions() ([]string, error)
	ActiveVersion() (string, error)
}

// batchState tracks one submitted batch
type batchState struct {
	ID        string
	Spec      backtester.BatchSpec
	Status    string
	Submitted time.Time
	Finished  time.Time
	Units     map[string]backtester.UnitStatus
	Results   []*backtester.UnitResult
	cancel    context.CancelFunc
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	runner     BatchExecutor
	configs    ConfigCatalog
	gatherer   prometheus.Gatherer
	bus        *events.EventBus
	batches    map[string]*batchState
	wg         sync.WaitGroup
}

// NewServer creates a new API server. bus feeds unit status and the
// websocket hub; gatherer backs /metrics and may be nil.
func NewServer(logger *zap.Logger, config ServerConfig, runner BatchExecutor, configs ConfigCatalog, bus *events.EventBus, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	server := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		runner:   runner,
		configs:  configs,
		gatherer: gatherer,
		bus:      bus,
		batches:  make(map[string]*batchState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if bus != nil {
		server.hub.Attach(bus)
		bus.Subscribe(server.trackUnit, events.OfKind(
			events.EventTypeUnitStarted, events.EventTypeUnitCompleted, events.EventTypeUnitFailed))
	}

	server.setupRoutes()
	go server.hub.Run()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/batches", s.handleSubmitBatch).Methods("POST")
	api.HandleFunc("/batches", s.handleListBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/units/{unit}/trades", s.handleGetUnitTrades).Methods("GET")
	api.HandleFunc("/batches/{id}/cancel", s.handleCancelBatch).Methods("POST")
	api.HandleFunc("/config/versions", s.handleConfigVersions).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router returns the HTTP handler, CORS included
func (s *Server) Router() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server; it blocks until the server stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running batches, waits for them and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	for _, b := range s.batches {
		if b.Status == BatchRunning {
			b.cancel()
		}
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Batches still running at shutdown")
	}

	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Wait blocks until every submitted batch has finished
func (s *Server) Wait() {
	s.wg.Wait()
}

// BatchRequest is the body of POST /api/v1/batches. Either units or
// walkForward must be set.
type BatchRequest struct {
	Units          []backtester.Unit   `json:"units"`
	WalkForward    *WalkForwardRequest `json:"walkForward,omitempty"`
	MaxParallel    int                 `json:"maxParallel"`
	TimeoutSeconds int                 `json:"timeoutSeconds"`
}

// WalkForwardRequest generates units from a date range
type WalkForwardRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	backtester.WalkForwardConfig
}

func (req *BatchRequest) spec(defaultParallel int) (backtester.BatchSpec, error) {
	spec := backtester.BatchSpec{
		Units:       req.Units,
		MaxParallel: req.MaxParallel,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	}
	if spec.MaxParallel <= 0 {
		spec.MaxParallel = defaultParallel
	}

	if req.WalkForward != nil {
		wf := req.WalkForward
		units, err := backtester.GenerateWalkForwardUnits(wf.Start, wf.End, wf.WalkForwardConfig)
		if err != nil {
			return spec, err
		}
		spec.Units = append(spec.Units, units...)
	}

	if len(spec.Units) == 0 {
		return spec, errors.New("batch has no units")
	}
	seen := make(map[string]bool, len(spec.Units))
	for i := range spec.Units {
		u := &spec.Units[i]
		if u.ID == "" {
			u.ID = fmt.Sprintf("unit-%03d", i)
		}
		if seen[u.ID] {
			return spec, fmt.Errorf("duplicate unit id %q", u.ID)
		}
		seen[u.ID] = true
		if !u.End.After(u.Start) {
			return spec, fmt.Errorf("unit %s: end must be after start", u.ID)
		}
	}
	return spec, nil
}

// handleSubmitBatch starts a batch in the background
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	spec, err := req.spec(s.config.DefaultParallel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &batchState{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    BatchRunning,
		Submitted: time.Now().UTC(),
		Units:     make(map[string]backtester.UnitStatus, len(spec.Units)),
		cancel:    cancel,
	}
	for _, u := range spec.Units {
		state.Units[u.ID] = backtester.UnitPending
	}

	s.mu.Lock()
	s.batches[state.ID] = state
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runBatch(ctx, state)

	s.logger.Info("Batch submitted", zap.String("id", state.ID), zap.Int("units", len(spec.Units)))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     state.ID,
		"status": BatchRunning,
		"units":  len(spec.Units),
	})
}

func (s *Server) runBatch(ctx context.Context, state *batchState) {
	defer s.wg.Done()
	defer state.cancel()

	results := s.runner.Run(ctx, state.ID, state.Spec)

	s.mu.Lock()
	state.Results = results
	state.Finished = time.Now().UTC()
	state.Status = BatchCompleted
	if ctx.Err() != nil {
		state.Status = BatchCancelled
	}
	for _, r := range results {
		state.Units[r.UnitID] = r.Status
	}
	s.mu.Unlock()
}

// trackUnit follows unit lifecycle events so status is visible while a batch runs
func (s *Server) trackUnit(ev events.Event) error {
	u, ok := ev.(*events.UnitEvent)
	if !ok {
		return nil
	}
	var status backtester.UnitStatus
	switch u.Type {
	case events.EventTypeUnitStarted:
		status = backtester.UnitRunning
	case events.EventTypeUnitCompleted:
		status = backtester.UnitCompleted
	case events.EventTypeUnitFailed:
		status = backtester.UnitFailed
	default:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[u.BatchID]; ok && b.Status == BatchRunning {
		b.Units[u.UnitID] = status
	}
	return nil
}

// UnitSummary is the per-unit view in batch responses
type UnitSummary struct {
	UnitID      string                `json:"unitId"`
	Name        string                `json:"name,omitempty"`
	Status      backtester.UnitStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	DurationMs  int64                 `json:"durationMs,omitempty"`
	Trades      int                   `json:"trades"`
	FinalEquity string                `json:"finalEquity,omitempty"`
	TotalReturn string                `json:"totalReturn,omitempty"`
	Viable      *bool                 `json:"viable,omitempty"`
}

// BatchSummary is the response of GET /api/v1/batches/{id}
type BatchSummary struct {
	ID          string                         `json:"id"`
	Status      string                         `json:"status"`
	Submitted   time.Time                      `json:"submitted"`
	Finished    *time.Time                     `json:"finished,omitempty"`
	Units       []UnitSummary                  `json:"units"`
	WalkForward *backtester.WalkForwardSummary `json:"walkForward,omitempty"`
}

func (b *batchState) summary() BatchSummary {
	out := BatchSummary{
		ID:        b.ID,
		Status:    b.Status,
		Submitted: b.Submitted,
		Units:     make([]UnitSummary, 0, len(b.Spec.Units)),
	}
	if !b.Finished.IsZero() {
		finished := b.Finished
		out.Finished = &finished
	}

	if b.Results == nil {
		for _, u := range b.Spec.Units {
			out.Units = append(out.Units, UnitSummary{UnitID: u.ID, Name: u.Name, Status: b.Units[u.ID]})
		}
		return out
	}

	for _, r := range b.Results {
		us := UnitSummary{
			UnitID:     r.UnitID,
			Name:       r.Name,
			Status:     r.Status,
			Error:      r.Error,
			DurationMs: r.Duration.Milliseconds(),
		}
		if r.Result != nil {
			us.Trades = len(r.Result.Trades)
			us.FinalEquity = r.Result.FinalEquity.StringFixed(2)
			if r.Result.Evaluation != nil && r.Result.Evaluation.Metrics != nil {
				us.TotalReturn = r.Result.Evaluation.Metrics.TotalReturn.StringFixed(4)
			}
			if r.Result.Viability != nil {
				viable := r.Result.Viability.IsViable
				us.Viable = &viable
			}
		}
		out.Units = append(out.Units, us)
	}
	if wf := backtester.SummarizeWalkForward(b.Results); len(wf.Windows) > 0 {
		out.WalkForward = wf
	}
	return out
}

// handleListBatches returns every batch, oldest first
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	list := make([]BatchSummary, 0, len(s.batches))
	for _, b := range s.batches {
		list = append(list, b.summary())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Submitted.Equal(list[j].Submitted) {
			return list[i].ID < list[j].ID
		}
		return list[i].Submitted.Before(list[j].Submitted)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": list, "count": len(list)})
}

// handleGetBatch returns batch status and unit summaries
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.batches[id]
	var summary BatchSummary
	if ok {
		summary = state.summary()
	}
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleGetUnitTrades returns the trade log of one finished unit
func (s *Server) handleGetUnitTrades(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	s.mu.RLock()
	state, ok := s.batches[vars["id"]]
	var result *backtester.UnitResult
	finished := false
	if ok {
		finished = state.Results != nil
		for _, res := range state.Results {
			if res.UnitID == vars["unit"] {
				result = res
				break
			}
		}
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "batch not found")
	case !finished:
		writeError(w, http.StatusConflict, "batch not finished")
	case result == nil:
		writeError(w, http.StatusNotFound, "unit not found")
	case result.Result == nil:
		writeError(w, http.StatusConflict, fmt.Sprintf("unit %s has no result: %s", result.UnitID, result.Status))
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"unitId": result.UnitID,
			"trades": result.Result.Trades,
			"count":  len(result.Result.Trades),
		})
	}
}

// handleCancelBatch cancels a running batch
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.batches[id]
	running := ok && state.Status == BatchRunning
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if !running {
		writeError(w, http.StatusConflict, "batch not running")
		return
	}

	state.cancel()
	s.logger.Info("Batch cancel requested", zap.String("id", id))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "status": "cancelling"})
}

// handleConfigVersions lists stored config versions and the active one
func (s *Server) handleConfigVersions(w http.ResponseWriter, r *http.Request) {
	if s.configs == nil {
		writeError(w, http.StatusServiceUnavailable, "no config store")
		return
	}
	versions, err := s.configs.ListVersions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active, err := s.configs.ActiveVersion()
	if err != nil {
		active = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions, "active": active})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := 0
	for _, b := range s.batches {
		if b.Status == BatchRunning {
			running++
		}
	}
	s.mu.RUnlock()

	body := map[string]interface{}{
		"status":         "healthy",
		"time":           time.Now().Unix(),
		"runningBatches": running,
		"wsClients":      s.hub.ClientCount(),
		"wsDropped":      s.hub.Dropped(),
	}
	if s.bus != nil {
		body["events"] = s.bus.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleWebSocket upgrades the connection and registers a hub client
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	var channels []string
	if batch := r.URL.Query().Get("batch"); batch != "" {
		channels = append(channels, BatchChannel(batch))
	}
	s.hub.Serve(uuid.NewString(), conn, channels...)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
