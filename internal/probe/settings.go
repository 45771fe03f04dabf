package probe

import (
	"fmt"
	"time"

	"github.com/roach88/canary/internal/retry"
	"github.com/roach88/canary/internal/wait"
)

// Profile names.
const (
	ProfileLight = "light"
	ProfileHeavy = "heavy"
)

// Settings is the per-stage configuration of one pipeline run. The light and
// heavy monitors are the same pipeline with different Settings.
type Settings struct {
	Profile string `yaml:"profile" json:"profile"`

	// Items is the number of files requested, uploaded and verified.
	Items int `yaml:"items" json:"items"`

	// Width bounds parallel HTTP work (uploads, downloads, confirmations).
	Width int `yaml:"width" json:"width"`

	// PayloadSize is the size in bytes of each random file.
	PayloadSize int `yaml:"payload_size" json:"payload_size"`

	// Replicas is the replication target sent with each storage request.
	Replicas int `yaml:"replicas" json:"replicas"`

	// BackendPoll bounds waits on backend indexing (bucket visible, file ready, bucket gone).
	BackendPoll wait.PollSpec `yaml:"backend_poll" json:"backend_poll"`

	// StatePoll bounds waits on chain state predicates.
	StatePoll wait.PollSpec `yaml:"state_poll" json:"state_poll"`

	// Finalization bounds waits for a block to be finalized.
	Finalization wait.DeadlineSpec `yaml:"finalization" json:"finalization"`

	// EventTimeout bounds each wait for a chain event.
	EventTimeout time.Duration `yaml:"event_timeout" json:"event_timeout"`

	// ReceiptTimeout bounds each wait for a transaction to be included.
	ReceiptTimeout time.Duration `yaml:"receipt_timeout" json:"receipt_timeout"`

	Retry retry.Policy `yaml:"retry" json:"retry"`
}

// LightSettings is the connectivity monitor: one small file, no parallelism.
func LightSettings() Settings {
	return Settings{
		Profile:        ProfileLight,
		Items:          1,
		Width:          1,
		PayloadSize:    1024,
		Replicas:       1,
		BackendPoll:    wait.PollSpec{Retries: 60, Delay: 2 * time.Second},
		StatePoll:      wait.PollSpec{Retries: 30, Delay: 2 * time.Second},
		Finalization:   wait.DeadlineSpec{Timeout: 2 * time.Minute, Interval: 6 * time.Second},
		EventTimeout:   5 * time.Minute,
		ReceiptTimeout: 2 * time.Minute,
		Retry:          retry.DefaultPolicy(),
	}
}

// HeavySettings exercises the same stages with more, larger files.
func HeavySettings() Settings {
	s := LightSettings()
	s.Profile = ProfileHeavy
	s.Items = 10
	s.Width = 3
	s.PayloadSize = 1 << 20
	s.Replicas = 3
	s.EventTimeout = 10 * time.Minute
	return s
}

// SettingsFor returns the built-in settings of a profile.
func SettingsFor(profile string) (Settings, error) {
	switch profile {
	case "", ProfileLight:
		return LightSettings(), nil
	case ProfileHeavy:
		return HeavySettings(), nil
	default:
		return Settings{}, fmt.Errorf("unknown profile %q (want %s or %s)", profile, ProfileLight, ProfileHeavy)
	}
}

// Validate rejects settings that would make a wait or the runner unbounded.
func (s Settings) Validate() error {
	switch {
	case s.Items < 1:
		return fmt.Errorf("items must be at least 1, got %d", s.Items)
	case s.Width < 1:
		return fmt.Errorf("width must be at least 1, got %d", s.Width)
	case s.PayloadSize < 1:
		return fmt.Errorf("payload_size must be positive, got %d", s.PayloadSize)
	case s.Replicas < 1:
		return fmt.Errorf("replicas must be at least 1, got %d", s.Replicas)
	case s.BackendPoll.Budget() <= 0:
		return fmt.Errorf("backend_poll budget must be positive")
	case s.StatePoll.Budget() <= 0:
		return fmt.Errorf("state_poll budget must be positive")
	case s.Finalization.Timeout <= 0:
		return fmt.Errorf("finalization timeout must be positive")
	case s.Finalization.Interval <= 0:
		return fmt.Errorf("finalization interval must be positive")
	case s.EventTimeout <= 0:
		return fmt.Errorf("event_timeout must be positive")
	case s.ReceiptTimeout <= 0:
		return fmt.Errorf("receipt_timeout must be positive")
	case s.Retry.MinAttempts < 1:
		return fmt.Errorf("retry min_attempts must be at least 1")
	}
	return nil
}
