package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/searchstore/internal/index/sqlite"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (s *CheckStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pass":
		*s = StatusPass
	case "warn":
		*s = StatusWarn
	case "fail":
		*s = StatusFail
	default:
		return fmt.Errorf("unknown check status %q", text)
	}
	return nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks.
type Checker struct {
	minDiskBytes uint64
	minFiles     uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithMinDiskSpace overrides the free space a data directory needs.
func WithMinDiskSpace(bytes uint64) Option {
	return func(c *Checker) {
		c.minDiskBytes = bytes
	}
}

// WithMinFileDescriptors overrides the open file limit required.
func WithMinFileDescriptors(n uint64) Option {
	return func(c *Checker) {
		c.minFiles = n
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{
		minDiskBytes: MinDiskSpaceBytes,
		minFiles:     MinFileDescriptors,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check against dataDir. An empty dataDir means an
// in-memory store: only process limits are checked.
func (c *Checker) RunAll(_ context.Context, dataDir string) []CheckResult {
	results := []CheckResult{c.CheckFileDescriptors()}
	if dataDir == "" {
		return results
	}

	write := c.CheckWritePermissions(dataDir)
	results = append(results, write)
	if write.Status == StatusFail {
		// The directory may not exist; the remaining checks need it.
		return results
	}
	return append(results,
		c.CheckDiskSpace(dataDir),
		c.CheckStoreLock(dataDir),
	)
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns "failed", "ready_with_warnings" or "ready".
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// CheckWritePermissions creates dir if needed and writes a probe file.
func (c *Checker) CheckWritePermissions(dir string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create data directory: %v", err)
		return result
	}
	probe := filepath.Join(dir, ".searchstore-preflight")
	f, err := os.Create(probe)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(probe)

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckStoreLock reports whether another process has the store open.
// A held lock is not fatal: commands wait for it up to the lock timeout.
func (c *Checker) CheckStoreLock(dir string) CheckResult {
	result := CheckResult{
		Name:     "store_lock",
		Required: false,
	}

	lock := sqlite.NewFileLock(dir)
	acquired, err := lock.TryLock()
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot probe lock: %v", err)
		return result
	}
	if !acquired {
		result.Status = StatusWarn
		result.Message = "held by another process"
		result.Details = lock.Path()
		return result
	}
	_ = lock.Unlock()

	result.Status = StatusPass
	result.Message = "free"
	return result
}
