package cmd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchstore/internal/logging"
	"github.com/Aman-CERP/searchstore/internal/output"
)

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		lines   int
		level   string
		filter  string
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent log entries",
		Long: `Show the last entries of the searchstore log file
(~/.searchstore/logs/searchstore.log unless logging.file_path says
otherwise).`,
		Example: `  searchstore logs -n 100
  searchstore logs --level warn
  searchstore logs --filter schema_set`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logFile == "" {
				if cfg, err := opts.config(); err == nil {
					logFile = cfg.Logging.FilePath
				}
			}
			path, err := logging.FindLogFile(logFile)
			if err != nil {
				return err
			}

			f := logging.Filter{Level: level}
			if filter != "" {
				if f.Pattern, err = regexp.Compile(filter); err != nil {
					return fmt.Errorf("invalid filter pattern: %w", err)
				}
			}

			entries, err := logging.Tail(path, lines, f)
			if err != nil {
				return err
			}

			out := opts.writer(cmd)
			if opts.jsonOutput {
				return out.JSON(entries)
			}
			styles := output.PlainStyles()
			if out.UseColor() {
				styles = output.DefaultStyles()
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), formatEntry(e, styles))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to read from the end")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only lines matching this regular expression")
	cmd.Flags().StringVar(&logFile, "file", "", "Log file path")
	return cmd
}

func formatEntry(e logging.Entry, styles output.Styles) string {
	if !e.Valid {
		return e.Raw
	}
	var levelStyle lipgloss.Style
	switch strings.ToUpper(e.Level) {
	case "ERROR":
		levelStyle = styles.Error
	case "WARN":
		levelStyle = styles.Warning
	case "DEBUG":
		levelStyle = styles.Dim
	default:
		levelStyle = styles.Label
	}

	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(levelStyle.Render(fmt.Sprintf("%-5s", e.Level)))
	b.WriteByte(' ')
	b.WriteString(e.Msg)
	if attrs := e.AttrString(); attrs != "" {
		b.WriteByte(' ')
		b.WriteString(styles.Dim.Render(attrs))
	}
	return b.String()
}
