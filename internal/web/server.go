// Package web serves the read-only portfolio API, the snapshot stream and metrics.
package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/martibooks/internal/domain"
	"github.com/vadiminshakov/martibooks/internal/portfolio"
)

const (
	heartbeatInterval = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Portfolio is the query surface of the accounting service.
type Portfolio interface {
	Equity() portfolio.EquityView
	Positions() []domain.SpotPosition
	Position(symbol string) (domain.SpotPosition, error)
	AssetExposure() []portfolio.AssetExposure
	TradeHistory(filter domain.TradeFilter) []domain.Trade
	CashFlows(filter domain.CashFlowFilter) []domain.CashFlow
	FeeSummary() portfolio.FeeSummary
	PnlSummary(includeManual bool) portfolio.PnlSummary
	DefaultPnlSummary() portfolio.PnlSummary
	Snapshots(ctx context.Context, filter domain.SnapshotFilter) ([]domain.PortfolioSnapshot, error)
	Status() portfolio.StatusView
	Drift() portfolio.DriftView
}

// SnapshotSource streams published snapshots.
type SnapshotSource interface {
	Subscribe() chan domain.PortfolioSnapshot
	Unsubscribe(ch chan domain.PortfolioSnapshot)
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the JSON API, an SSE stream of snapshots and prometheus metrics.
type Server struct {
	Addr      string
	portfolio Portfolio
	snapshots SnapshotSource
	metrics   http.Handler
	logger    *zap.Logger
}

// NewServer creates a new web server instance. snapshots and metrics are optional.
func NewServer(addr string, p Portfolio, snapshots SnapshotSource, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{Addr: addr, portfolio: p, snapshots: snapshots, metrics: metrics, logger: logger}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/equity", s.handleEquity).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/{pair}", s.handlePosition).Methods(http.MethodGet)
	api.HandleFunc("/exposure", s.handleExposure).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/cashflows", s.handleCashFlows).Methods(http.MethodGet)
	api.HandleFunc("/fees", s.handleFees).Methods(http.MethodGet)
	api.HandleFunc("/pnl", s.handlePnl).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/drift", s.handleDrift).Methods(http.MethodGet)

	r.HandleFunc("/snapshots/stream", s.handleSnapshotStream).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http api listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio.Equity())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio.Positions())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.portfolio.Position(mux.Vars(r)["pair"])
	if errors.Is(err, domain.ErrPositionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio.AssetExposure())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	filter, err := tradeFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.portfolio.TradeHistory(filter))
}

func (s *Server) handleCashFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.CashFlowFilter{
		Asset: q.Get("asset"),
		Type:  domain.CashFlowType(strings.ToLower(q.Get("type"))),
	}
	var err error
	if filter.Since, filter.Until, filter.Limit, err = window(r); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.portfolio.CashFlows(filter))
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio.FeeSummary())
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("include_manual")
	if raw == "" {
		s.writeJSON(w, http.StatusOK, s.portfolio.DefaultPnlSummary())
		return
	}
	include, err := strconv.ParseBool(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "include_manual"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.portfolio.PnlSummary(include))
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	since, _, limit, err := window(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	snapshots, err := s.portfolio.Snapshots(r.Context(), domain.SnapshotFilter{Since: since, Limit: limit})
	if err != nil {
		s.logger.Error("failed to load snapshots", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio.Status())
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.portfolio.Drift())
}

func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("snapshot stream not available"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.snapshots.Subscribe()
	defer s.snapshots.Unsubscribe(ch)

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				s.logger.Error("failed to encode snapshot", zap.String("id", snapshot.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: snapshot\n")
			fmt.Fprintf(w, "id: %s\n", snapshot.ID)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func tradeFilter(r *http.Request) (domain.TradeFilter, error) {
	q := r.URL.Query()
	filter := domain.TradeFilter{ExcludeManual: q.Get("exclude_manual") == "true"}

	if symbol := strings.ToUpper(strings.TrimSpace(q.Get("pair"))); symbol != "" {
		if strings.Contains(symbol, "_") {
			pair, err := domain.ParsePair(symbol)
			if err != nil {
				return filter, err
			}
			symbol = pair.Symbol()
		}
		filter.Symbol = symbol
	}
	if raw := q.Get("tag"); raw != "" {
		tag, err := domain.ParseStrategyTag(raw)
		if err != nil {
			return filter, err
		}
		filter.Tag = &tag
	}

	var err error
	filter.Since, filter.Until, filter.Limit, err = window(r)

	return filter, err
}

// window parses since, until (RFC3339) and limit.
func window(r *http.Request) (since, until time.Time, limit int, err error) {
	q := r.URL.Query()
	if raw := q.Get("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			return since, until, 0, errors.Wrap(err, "since")
		}
	}
	if raw := q.Get("until"); raw != "" {
		if until, err = time.Parse(time.RFC3339, raw); err != nil {
			return since, until, 0, errors.Wrap(err, "until")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return since, until, 0, errors.Errorf("invalid limit %q", raw)
		}
	}

	return since, until, limit, nil
}
