package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/probe"
)

// Scenario defines one canary run against the fake network.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Profile selects the built-in settings ("light" when empty).
	Profile string `yaml:"profile,omitempty"`

	// Items and Width override the profile when non-zero.
	Items int `yaml:"items,omitempty"`
	Width int `yaml:"width,omitempty"`

	// Target is the checkpoint; empty runs every stage.
	Target string `yaml:"target,omitempty"`

	// Faults are injected before the run starts.
	Faults Faults `yaml:"faults,omitempty"`

	// Assertions validate the finished run.
	Assertions []Assertion `yaml:"assertions"`
}

// Faults describes what goes wrong on the fake network.
type Faults struct {
	// Health maps backend component names to reported statuses.
	Health map[string]string `yaml:"health,omitempty"`

	// Upload rejects uploads.
	Upload *UploadFault `yaml:"upload,omitempty"`

	// Chain makes transactions fail on inclusion.
	Chain []ChainFault `yaml:"chain,omitempty"`
}

// UploadFault rejects uploads with an HTTP status.
type UploadFault struct {
	Status  int    `yaml:"status"`
	Message string `yaml:"message"`

	// Attempts limits the rejection to the first N attempts of each file.
	// Zero rejects every attempt.
	Attempts int `yaml:"attempts,omitempty"`
}

// ChainFault fails the next inclusions of one call, one reason per inclusion.
type ChainFault struct {
	Call    string   `yaml:"call"`
	Reasons []string `yaml:"reasons"`
}

// Assertion validates the trace or the outcome.
type Assertion struct {
	// Type specifies the assertion type:
	// - "stage_status": stage ended with status (and error containing error_contains)
	// - "cleanup_status": cleanup step ended with status
	// - "chain_order": calls were submitted in this relative order
	// - "chain_count": call was submitted exactly count times
	// - "exit_code": the run's exit code
	Type string `yaml:"type"`

	Stage         string   `yaml:"stage,omitempty"`
	Step          string   `yaml:"step,omitempty"`
	Status        string   `yaml:"status,omitempty"`
	ErrorContains string   `yaml:"error_contains,omitempty"`
	Call          string   `yaml:"call,omitempty"`
	Calls         []string `yaml:"calls,omitempty"`
	Count         int      `yaml:"count,omitempty"`
	Code          int      `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertStageStatus   = "stage_status"
	AssertCleanupStatus = "cleanup_status"
	AssertChainOrder    = "chain_order"
	AssertChainCount    = "chain_count"
	AssertExitCode      = "exit_code"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if _, err := probe.SettingsFor(s.Profile); err != nil {
		return err
	}
	if s.Items < 0 || s.Width < 0 {
		return errors.New("items and width must be non-negative")
	}
	if s.Faults.Upload != nil && s.Faults.Upload.Status < 400 {
		return fmt.Errorf("faults.upload: status %d is not an error status", s.Faults.Upload.Status)
	}
	for i, f := range s.Faults.Chain {
		if f.Call == "" || len(f.Reasons) == 0 {
			return fmt.Errorf("faults.chain[%d]: call and reasons are required", i)
		}
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

var validStatuses = map[string]bool{
	string(engine.StatusPassed):  true,
	string(engine.StatusFailed):  true,
	string(engine.StatusSkipped): true,
}

var validCleanupStatuses = map[string]bool{
	string(engine.CleanupDone):    true,
	string(engine.CleanupSkipped): true,
	string(engine.CleanupFailed):  true,
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStageStatus:
		if a.Stage == "" || !validStatuses[a.Status] {
			return fmt.Errorf("assertions[%d]: stage and a passed/failed/skipped status are required for stage_status", index)
		}
	case AssertCleanupStatus:
		if a.Step == "" || !validCleanupStatuses[a.Status] {
			return fmt.Errorf("assertions[%d]: step and a done/skipped/failed status are required for cleanup_status", index)
		}
	case AssertChainOrder:
		if len(a.Calls) == 0 {
			return fmt.Errorf("assertions[%d]: calls list is required for chain_order", index)
		}
	case AssertChainCount:
		if a.Call == "" {
			return fmt.Errorf("assertions[%d]: call is required for chain_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for chain_count", index)
		}
	case AssertExitCode:
		if a.Code < 0 || a.Code > 2 {
			return fmt.Errorf("assertions[%d]: code must be 0, 1 or 2", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
