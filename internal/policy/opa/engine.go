package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// DecisionQuery is the rule evaluated for voice authorization
const DecisionQuery = "data.voiceusage.authorize.decision"

//go:embed policies/*.rego
var defaultPolicies embed.FS

// Config holds OPA engine configuration
type Config struct {
	// PolicyDir holds .rego files replacing the embedded policy. Empty uses
	// the embedded policy.
	PolicyDir string

	// Data is exposed to policies under data.config
	Data map[string]interface{}
}

// Decision is the result of evaluating DecisionQuery
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Engine wraps OPA rego engine for policy evaluation
type Engine struct {
	config Config
	logger zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery

	// Policy sources by file name
	modules map[string]string
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	modules, err := e.loadPolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := e.prepareQuery(modules)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	source := "embedded"
	if config.PolicyDir != "" {
		source = config.PolicyDir
	}
	e.logger.Info().Str("policy_source", source).Int("modules", len(modules)).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies reads and parses every .rego file from the policy source
func (e *Engine) loadPolicies() (map[string]string, error) {
	sources, err := e.readSources()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.config.PolicyDir)
	}

	e.logger.Debug().Int("count", len(sources)).Msg("Loading policy files")

	for file, content := range sources {
		// Parse early so errors name the file
		module, err := ast.ParseModule(file, content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return sources, nil
}

func (e *Engine) readSources() (map[string]string, error) {
	sources := make(map[string]string)

	if e.config.PolicyDir == "" {
		files, err := fs.Glob(defaultPolicies, "policies/*.rego")
		if err != nil {
			return nil, fmt.Errorf("failed to list embedded policies: %w", err)
		}
		for _, file := range files {
			content, err := defaultPolicies.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read embedded policy %s: %w", file, err)
			}
			sources[file] = string(content)
		}
		return sources, nil
	}

	files, err := filepath.Glob(filepath.Join(e.config.PolicyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		sources[file] = string(content)
	}
	return sources, nil
}

// prepareQuery compiles the decision query against the given modules
func (e *Engine) prepareQuery(modules map[string]string) (rego.PreparedEvalQuery, error) {
	files := make([]string, 0, len(modules))
	for file := range modules {
		files = append(files, file)
	}
	sort.Strings(files)

	data := e.config.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	opts := []func(*rego.Rego){
		rego.Query(DecisionQuery),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"config": data})),
	}
	for _, file := range files {
		opts = append(opts, rego.Module(file, modules[file]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare decision query: %w", err)
	}
	return query, nil
}

// Evaluate evaluates the decision query for the given input
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("decision query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(startTime)).Msg("Decision query evaluated")

	if len(results) == 0 {
		return nil, fmt.Errorf("no results from decision query")
	}
	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in decision query result")
	}

	// Convert result to Decision
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	return &decision, nil
}

// Reload re-reads the policy source. On failure the previous policies stay active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	query, err := e.prepareQuery(modules)
	if err != nil {
		return fmt.Errorf("failed to re-prepare query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Msg("OPA policies reloaded successfully")

	return nil
}

// Modules returns the names of the loaded policy files
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	files := make([]string, 0, len(e.modules))
	for file := range e.modules {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}
