package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/output"
	"github.com/Aman-CERP/searchstore/internal/prefix"
)

// maxInfoWorkers bounds concurrent per-database lookups.
const maxInfoWorkers = 8

type databaseInfo struct {
	Owner      string   `json:"owner"`
	Database   string   `json:"database"`
	Documents  int      `json:"documents"`
	Namespaces []string `json:"namespaces"`
	SizeBytes  int64    `json:"size_bytes"`
}

type storeInfo struct {
	DataDir                   string         `json:"data_dir"`
	Backend                   string         `json:"backend"`
	OptimizableDocs           int            `json:"optimizable_docs"`
	EstimatedOptimizableBytes int64          `json:"estimated_optimizable_bytes"`
	Databases                 []databaseInfo `json:"databases"`
}

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show storage usage per database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			prefixes := eng.Prefixes()
			info := storeInfo{
				DataDir:   cfg.Storage.DataDir,
				Backend:   cfg.Storage.Backend,
				Databases: make([]databaseInfo, len(prefixes)),
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(maxInfoWorkers)
			var opt *index.OptimizeInfo
			g.Go(func() error {
				var err error
				opt, err = eng.GetOptimizeInfo(ctx)
				return err
			})
			for i, p := range prefixes {
				g.Go(func() error {
					owner, db, err := prefix.Split(p)
					if err != nil {
						return err
					}
					var si *model.StorageInfo
					if si, err = eng.GetStorageInfo(ctx, owner, db); err != nil {
						return err
					}
					namespaces, err := eng.GetNamespaces(ctx, owner, db)
					if err != nil {
						return err
					}
					info.Databases[i] = databaseInfo{
						Owner:      owner,
						Database:   db,
						Documents:  si.AliveDocuments,
						Namespaces: nonNil(namespaces),
						SizeBytes:  si.SizeBytes,
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			info.OptimizableDocs = opt.OptimizableDocs
			info.EstimatedOptimizableBytes = opt.EstimatedOptimizableBytes

			out := opts.writer(cmd)
			if opts.jsonOutput {
				return out.JSON(info)
			}
			printInfo(out, info)
			return nil
		},
	}
}

func printInfo(out *output.Writer, info storeInfo) {
	out.Header("Store")
	out.KeyValues([]output.KV{
		{Key: "data dir", Value: info.DataDir},
		{Key: "backend", Value: info.Backend},
		{Key: "databases", Value: len(info.Databases)},
		{Key: "optimizable", Value: fmt.Sprintf("%d docs, %s", info.OptimizableDocs, formatBytes(info.EstimatedOptimizableBytes))},
	})
	if len(info.Databases) == 0 {
		return
	}
	out.Newline()
	rows := make([][]string, 0, len(info.Databases))
	for _, d := range info.Databases {
		rows = append(rows, []string{
			d.Owner, d.Database,
			fmt.Sprint(d.Documents), fmt.Sprint(len(d.Namespaces)), formatBytes(d.SizeBytes),
		})
	}
	out.Table([]string{"OWNER", "DATABASE", "DOCS", "NAMESPACES", "SIZE"}, rows)
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func newOptimizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Compact storage by dropping deleted and expired documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			before, err := eng.GetOptimizeInfo(cmd.Context())
			if err != nil {
				return err
			}
			if err := eng.Optimize(cmd.Context()); err != nil {
				return err
			}

			out := opts.writer(cmd)
			if opts.jsonOutput {
				return out.JSON(map[string]any{
					"reclaimed_docs":  before.OptimizableDocs,
					"reclaimed_bytes": before.EstimatedOptimizableBytes,
				})
			}
			out.Successf("Optimized: reclaimed %d documents (%s)",
				before.OptimizableDocs, formatBytes(before.EstimatedOptimizableBytes))
			return nil
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that the text index matches the stored documents",
		Long: `Compare every stored document against the text index. Orphan entries
belong to documents that no longer exist; missing entries leave documents
unreachable by query. With --repair orphans are dropped and missing
documents are reindexed. The memory backend has nothing to check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := eng.CheckConsistency(cmd.Context(), repair)
			if err != nil {
				return err
			}

			out := opts.writer(cmd)
			if res == nil {
				if opts.jsonOutput {
					return out.JSON(map[string]any{"checked": false})
				}
				out.Status("", "Backend keeps no separate text index; nothing to check")
				return nil
			}

			orphans := res.Count(index.InconsistencyOrphanText)
			missing := res.Count(index.InconsistencyMissingText)
			if opts.jsonOutput {
				return out.JSON(map[string]any{
					"checked":  true,
					"rows":     res.Checked,
					"indexed":  res.Indexed,
					"orphans":  orphans,
					"missing":  missing,
					"repaired": repair && !res.Consistent(),
				})
			}

			if res.Consistent() {
				out.Successf("Text index consistent (%d documents, %d entries)", res.Checked, res.Indexed)
				return nil
			}
			out.Warningf("Text index inconsistent: %d orphan, %d missing", orphans, missing)
			if !repair {
				out.Status("", "Run with --repair to fix")
				return fmt.Errorf("text index is inconsistent")
			}
			out.Success("Repaired")
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Drop orphan entries and reindex missing documents")
	return cmd
}
