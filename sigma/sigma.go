package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/pgcpu-recorder/log"
	"github.com/jnesss/pgcpu-recorder/record"
)

// Detector evaluates sigma rules against exported lifecycle records.
type Detector struct {
	RulesDir string
	db       *sql.DB
	logger   *slog.Logger

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	reloadChan chan bool
	watcher    *fsnotify.Watcher
}

// SigmaMatch is a stored rule match.
type SigmaMatch struct {
	ID           int64     `json:"id"`
	RecordID     int64     `json:"record_id"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Kind         string    `json:"kind"`
	ProcessID    int64     `json:"process_id"`
	Database     string    `json:"database"`
	Username     string    `json:"username"`
	Origin       string    `json:"origin"`
	CPUMs        int64     `json:"cpu_ms"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

func createHardcodedConfig() sigma.Config {
	return sigma.Config{
		Title: "pgcpu recorder config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Database":      {TargetNames: []string{"Database"}},
			"User":          {TargetNames: []string{"User"}},
			"Username":      {TargetNames: []string{"User"}},
			"Origin":        {TargetNames: []string{"Origin"}},
			"ClientAddress": {TargetNames: []string{"Origin"}},
			"ProcessId":     {TargetNames: []string{"ProcessId"}},
			"Kind":          {TargetNames: []string{"Kind"}},
			"CPUMs":         {TargetNames: []string{"CPUMs"}},
			"DurationMs":    {TargetNames: []string{"DurationMs"}},
		},
	}
}

// NewDetector loads the rules under rulesDir/enabled_rules and watches that
// directory for changes. db may be nil, matches are then only logged.
func NewDetector(rulesDir string, db *sql.DB, logger *slog.Logger) (*Detector, error) {
	if logger == nil {
		logger = log.Discard()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		logger:     log.WithComponent(logger, "sigma"),
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1),
		watcher:    watcher,
	}

	for _, dir := range []string{detector.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// changes in disabled_rules don't matter
	if err := watcher.Add(detector.enabledDir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", detector.enabledDir(), err)
	}
	go detector.watchFileChanges()

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	return detector, nil
}

func (sd *Detector) enabledDir() string {
	return filepath.Join(sd.RulesDir, "enabled_rules")
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.logger.Debug("rule change detected", "file", event.Name, "op", event.Op.String())
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.logger.Warn("file watcher error", log.Error(err))
		}
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// Run applies pending reloads until ctx is cancelled.
func (sd *Detector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sd.reloadChan:
			if err := sd.LoadRules(); err != nil {
				sd.logger.Warn("failed to reload rules", log.Error(err))
			}
		}
	}
}

// ReloadRules schedules a reload without blocking.
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
		// reload already pending
	}
}

// LoadRules replaces the active rule set with the files in enabled_rules.
// Files that fail to parse are skipped.
func (sd *Detector) LoadRules() error {
	files, err := os.ReadDir(sd.enabledDir())
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(sd.enabledDir(), file.Name())
		ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			sd.logger.Warn("failed to load rule file", "file", filePath, log.Error(err))
			continue
		}
		evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
		sd.logger.Debug("loaded rule", "title", ruleEvaluator.Rule.Title, "id", ruleEvaluator.Rule.ID)
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	rulesLoaded.Set(float64(len(evaluators)))
	sd.logger.Info("loaded sigma rules", "count", len(evaluators), "dir", sd.enabledDir())
	return nil
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}

	// Aggregations have no meaning over single records.
	options := []evaluator.Option{
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	return evaluator.ForRule(rule, options...), nil
}

// RuleCount returns the number of active rules.
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// Event converts a record to the field map rules are evaluated against.
func Event(rec record.Record) map[string]interface{} {
	return map[string]interface{}{
		"ProcessId":  rec.PID,
		"Kind":       rec.Kind.String(),
		"Database":   rec.Database,
		"User":       rec.User,
		"Origin":     rec.Origin,
		"CPUMs":      rec.CPUMillis,
		"StartMs":    rec.StartMillis,
		"StopMs":     rec.StopMillis,
		"DurationMs": rec.StopMillis - rec.StartMillis,
	}
}

// CheckEvent returns every rule the event matches.
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	sd.mu.RLock()
	defer sd.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range sd.evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.logger.Warn("failed to evaluate rule", "rule", ruleEvaluator.Rule.ID, log.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
	}
	return results
}

// Evaluate checks one record, logs and stores every match. recordID is the
// lifecycles row the record was stored as, or 0.
func (sd *Detector) Evaluate(ctx context.Context, rec record.Record, recordID int64) []MatchResult {
	event := Event(rec)
	matches := sd.CheckEvent(ctx, event)
	for _, match := range matches {
		sigmaMatches.WithLabelValues(match.Rule.ID).Inc()
		sd.logger.Warn("record matched rule",
			"rule", match.Rule.ID,
			"title", match.Rule.Title,
			"level", severity(match.Rule),
			log.PIDKey, rec.PID,
			"database", rec.Database,
			"user", rec.User)

		if sd.db == nil {
			continue
		}
		if err := sd.StoreMatch(match, rec, recordID, event); err != nil {
			sd.logger.Warn("failed to store match", "rule", match.Rule.ID, log.Error(err))
		}
	}
	return matches
}

// Write implements record.Sink.
func (sd *Detector) Write(rec record.Record) error {
	sd.Evaluate(context.Background(), rec, 0)
	return nil
}

func severity(rule sigma.Rule) string {
	if rule.Level == "" {
		return "medium"
	}
	return rule.Level
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, rec record.Record, recordID int64, event map[string]interface{}) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	query := `
	INSERT INTO sigma_matches (
		record_id,
		rule_id,
		rule_name,
		kind,
		pid,
		database,
		username,
		origin,
		cpu_ms,
		timestamp,
		severity,
		status,
		match_details,
		event_data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'new', ?, ?)`

	_, err = sd.db.Exec(
		query,
		recordID,
		match.Rule.ID,
		match.Rule.Title,
		rec.Kind.String(),
		rec.PID,
		rec.Database,
		rec.User,
		rec.Origin,
		rec.CPUMillis,
		time.Now().UTC(),
		severity(match.Rule),
		string(matchDetailsJSON),
		string(eventDataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

// GetMatches retrieves sigma matches from the database with filters
func (sd *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]SigmaMatch, error) {
	if sd.db == nil {
		return nil, nil
	}

	query := `
    SELECT
        id, record_id, rule_id, rule_name, kind, pid,
        database, username, origin, cpu_ms,
        timestamp, severity, status, match_details, event_data
    FROM sigma_matches`

	whereClause := []string{}
	args := []interface{}{}

	if status, ok := filters["status"]; ok && status != "" && status != "all" {
		whereClause = append(whereClause, "status = ?")
		args = append(args, status)
	}

	if sev, ok := filters["severity"]; ok && sev != "" && sev != "all" {
		whereClause = append(whereClause, "severity = ?")
		args = append(args, sev)
	}

	if ruleID, ok := filters["rule"]; ok && ruleID != "" && ruleID != "all" {
		whereClause = append(whereClause, "rule_id = ?")
		args = append(args, ruleID)
	}

	if len(whereClause) > 0 {
		query += " WHERE " + strings.Join(whereClause, " AND ")
	}

	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sd.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []SigmaMatch
	for rows.Next() {
		var match SigmaMatch
		var matchDetailsJSON, eventDataJSON string

		err := rows.Scan(
			&match.ID, &match.RecordID, &match.RuleID, &match.RuleName, &match.Kind, &match.ProcessID,
			&match.Database, &match.Username, &match.Origin, &match.CPUMs,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventDataJSON,
		)
		if err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(matchDetailsJSON), &match.MatchDetails)
		match.EventData = eventDataJSON

		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

// UpdateMatchStatus updates the status of a match
func (sd *Detector) UpdateMatchStatus(matchID int64, newStatus string) error {
	validStatuses := map[string]bool{
		"new":            true,
		"in_progress":    true,
		"resolved":       true,
		"false_positive": true,
	}

	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}
	if sd.db == nil {
		return fmt.Errorf("no database configured")
	}

	_, err := sd.db.Exec(
		"UPDATE sigma_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)
	return err
}

// Close stops watching the rules directory.
func (sd *Detector) Close() error {
	return sd.watcher.Close()
}
