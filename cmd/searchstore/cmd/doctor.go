package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchstore/internal/config"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/preflight"
)

type doctorReport struct {
	Status string                  `json:"status"`
	Checks []preflight.CheckResult `json:"checks"`
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the data directory can host a store",
		Long: `Run system diagnostics before opening a store.

Checks:
  - Configuration loads and validates
  - Open file limit
  - Data directory is writable (created if missing)
  - Free disk space (100MB minimum)
  - Whether another process holds the store lock (warning only)

The memory backend skips the data directory checks.`,
		Example: `  searchstore doctor
  searchstore doctor --verbose
  searchstore --json doctor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checker := preflight.New()

			var results []preflight.CheckResult
			dataDir := ""
			cfg, err := opts.config()
			if err != nil {
				results = append(results, preflight.CheckResult{
					Name:     "config",
					Status:   preflight.StatusFail,
					Message:  errors.FormatForCLI(err),
					Required: true,
				})
			} else {
				results = append(results, preflight.CheckResult{
					Name:     "config",
					Status:   preflight.StatusPass,
					Message:  "backend " + cfg.Storage.Backend,
					Required: true,
				})
				if cfg.Storage.Backend == config.BackendSQLite {
					dataDir = cfg.Storage.DataDir
				}
			}
			results = append(results, checker.RunAll(cmd.Context(), dataDir)...)

			report := doctorReport{Status: checker.SummaryStatus(results), Checks: results}
			failed := checker.HasCriticalFailures(results)
			last, hadMarker := time.Time{}, false
			if dataDir != "" {
				last, hadMarker = preflight.LastPassed(dataDir)
				if !failed {
					if err := preflight.MarkPassed(dataDir, time.Now()); err != nil {
						return err
					}
				}
			}

			out := opts.writer(cmd)
			if opts.jsonOutput {
				if err := out.JSON(report); err != nil {
					return err
				}
			} else {
				out.Header("System check")
				for _, r := range results {
					line := fmt.Sprintf("%s: %s", r.Name, r.Message)
					switch r.Status {
					case preflight.StatusPass:
						out.Success(line)
					case preflight.StatusWarn:
						out.Warning(line)
					default:
						out.Error(line)
					}
					if verbose && r.Details != "" {
						out.Status("", r.Details)
					}
				}
				out.Newline()
				out.Statusf("", "Status: %s", report.Status)
				if hadMarker {
					out.Statusf("", "Last successful check: %s ago", time.Since(last).Round(time.Second))
				}
			}

			if failed {
				return fmt.Errorf("system check failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	return cmd
}
