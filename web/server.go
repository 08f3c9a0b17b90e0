package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnesss/pgcpu-recorder/database"
	"github.com/jnesss/pgcpu-recorder/log"
	"github.com/jnesss/pgcpu-recorder/record"
	"github.com/jnesss/pgcpu-recorder/sigma"
)

const defaultRecordLimit = 100

type Server struct {
	db            *database.DB
	sigmaDetector *sigma.Detector
	listenAddr    string
	logger        *slog.Logger
}

// NewServer serves metrics always, the record API when db is set and the
// sigma API when sigmaDetector is set.
func NewServer(db *database.DB, sigmaDetector *sigma.Detector, listenAddr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	return &Server{
		db:            db,
		sigmaDetector: sigmaDetector,
		listenAddr:    listenAddr,
		logger:        log.WithComponent(logger, "web"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
			h.ServeHTTP(w, r)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if s.db != nil {
		mux.Handle("/api/records", debugHandler(http.HandlerFunc(s.handleRecords)))
		mux.Handle("/api/summary", debugHandler(http.HandlerFunc(s.handleSummary)))
	}

	if s.sigmaDetector != nil {
		mux.Handle("/api/sigma/rules", debugHandler(http.HandlerFunc(s.handleSigmaRules)))
		mux.Handle("/api/sigma/matches", debugHandler(http.HandlerFunc(s.handleSigmaMatchesList)))
		mux.Handle("/api/sigma/matches/", debugHandler(http.HandlerFunc(s.handleSigmaMatchOperation)))
	}
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting web server", "addr", s.listenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", log.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleRecords returns the most recent lifecycle records, ?limit=N.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultRecordLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("Invalid limit: %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.db.RecentRecords(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching records: %v", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []database.StoredRecord{}
	}
	writeJSON(w, records)
}

// handleSummary aggregates every stored record.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary := record.NewSummary()
	if err := s.db.EachRecord(summary.Add); err != nil {
		http.Error(w, fmt.Sprintf("Error reading records: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, newSummaryResponse(summary))
}

func (s *Server) handleSigmaRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabledDir := filepath.Join(s.sigmaDetector.RulesDir, "enabled_rules")
	disabledDir := filepath.Join(s.sigmaDetector.RulesDir, "disabled_rules")

	rules := []map[string]interface{}{}

	enabledRules, err := readRulesFromDir(enabledDir, true)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading enabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	rules = append(rules, enabledRules...)

	disabledRules, err := readRulesFromDir(disabledDir, false)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading disabled rules: %v", err), http.StatusInternalServerError)
		return
	}
	rules = append(rules, disabledRules...)

	writeJSON(w, rules)
}

func readRulesFromDir(dir string, enabled bool) ([]map[string]interface{}, error) {
	var rules []map[string]interface{}

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() || !(strings.HasSuffix(file.Name(), ".yml") || strings.HasSuffix(file.Name(), ".yaml")) {
			continue
		}
		filePath := filepath.Join(dir, file.Name())

		content, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}

		rules = append(rules, map[string]interface{}{
			"id":          rule.ID,
			"title":       rule.Title,
			"description": rule.Description,
			"level":       rule.Level,
			"author":      rule.Author,
			"tags":        rule.Tags,
			"filename":    file.Name(),
			"enabled":     enabled,
		})
	}

	return rules, nil
}

func (s *Server) handleSigmaMatchesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filters := map[string]string{
		"status":   r.URL.Query().Get("status"),
		"severity": r.URL.Query().Get("severity"),
		"rule":     r.URL.Query().Get("rule"),
	}

	matches, err := s.sigmaDetector.GetMatches(defaultRecordLimit, 0, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []sigma.SigmaMatch{}
	}
	writeJSON(w, matches)
}

// handleSigmaMatchOperation updates a match status: POST /api/sigma/matches/{id}
func (s *Server) handleSigmaMatchOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idPart := strings.TrimPrefix(r.URL.Path, "/api/sigma/matches/")
	matchID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	var request struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.sigmaDetector.UpdateMatchStatus(matchID, request.Status); err != nil {
		http.Error(w, fmt.Sprintf("Error updating match status: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":     matchID,
		"status": request.Status,
	})
}
