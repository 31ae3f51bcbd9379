package cmd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchstore/internal/engine"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
)

// searchFlags are the SearchSpec knobs shared by the query commands.
type searchFlags struct {
	prefix     bool
	types      []string
	namespaces []string
	packages   []string
	limit      int
	pages      int
}

func (f *searchFlags) addFlags(cmd *cobra.Command, paging bool) {
	cmd.Flags().BoolVar(&f.prefix, "prefix", false, "Match query terms as prefixes")
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "Restrict to schema types")
	cmd.Flags().StringSliceVarP(&f.namespaces, "namespace", "n", nil, "Restrict to namespaces")
	if paging {
		cmd.Flags().IntVar(&f.limit, "limit", model.DefaultResultCountPerPage, "Results per page")
		cmd.Flags().IntVar(&f.pages, "pages", 1, "Pages to fetch (0 fetches all)")
	}
}

func (f *searchFlags) spec() *model.SearchSpec {
	spec := &model.SearchSpec{
		SchemaFilters:      f.types,
		NamespaceFilters:   f.namespaces,
		PackageFilters:     f.packages,
		ResultCountPerPage: f.limit,
	}
	if f.prefix {
		spec.TermMatch = model.TermMatchPrefix
	}
	return spec
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		db    database
		flags searchFlags
	)

	cmd := &cobra.Command{
		Use:   "query TEXT",
		Short: "Search one database",
		Long: `Search the documents of one database. Every query term must match an
indexed string property. An empty query matches every document that
passes the filters.`,
		Example: `  searchstore query --owner com.example.mail --db inbox "quarterly report"
  searchstore query --owner com.example.mail --db inbox --prefix --type Email rep`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			first := func(ctx context.Context) (*model.SearchResultPage, error) {
				return eng.Query(ctx, db.owner, db.name, queryText(args), flags.spec())
			}
			return runPagedQuery(cmd, opts, eng, first, flags.pages)
		},
	}
	db.addFlags(cmd)
	flags.addFlags(cmd, true)
	return cmd
}

func newGlobalQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		flags  searchFlags
		caller callerFlags
	)

	cmd := &cobra.Command{
		Use:   "global-query TEXT",
		Short: "Search every database the caller may see",
		Long: `Search across all databases. A type is searched when the caller owns it
or its visibility settings admit the caller: the platform surface unless
the type is hidden from it, or a package listed with a matching signing
certificate. Roles and permissions further restrict access.`,
		Example: `  searchstore global-query --caller com.example.launcher --platform report
  searchstore global-query --caller com.example.viewer --cert 0a1b... --package com.example.mail report`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := caller.identity()
			if err != nil {
				return err
			}

			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			first := func(ctx context.Context) (*model.SearchResultPage, error) {
				return eng.GlobalQuery(ctx, queryText(args), flags.spec(), id)
			}
			return runPagedQuery(cmd, opts, eng, first, flags.pages)
		},
	}
	flags.addFlags(cmd, true)
	cmd.Flags().StringSliceVar(&flags.packages, "package", nil, "Restrict to databases of these packages")
	caller.addFlags(cmd)
	return cmd
}

// callerFlags describe the identity a global query runs as.
type callerFlags struct {
	pkg         string
	cert        string
	platform    bool
	roles       []string
	permissions []string
}

func (c *callerFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.pkg, "caller", "", "Package name of the caller (required)")
	cmd.Flags().StringVar(&c.cert, "cert", "", "Hex SHA-256 of the caller's signing certificate")
	cmd.Flags().BoolVar(&c.platform, "platform", false, "Caller is the platform surface")
	cmd.Flags().StringSliceVar(&c.roles, "role", nil, "Roles the caller holds")
	cmd.Flags().StringSliceVar(&c.permissions, "permission", nil, "Permissions the caller holds")
	_ = cmd.MarkFlagRequired("caller")
}

func (c *callerFlags) identity() (model.CallerIdentity, error) {
	cert, err := hex.DecodeString(c.cert)
	if err != nil {
		return model.CallerIdentity{}, errors.InvalidArgumentf("--cert is not hex: %v", err)
	}
	return model.CallerIdentity{
		PackageName: c.pkg,
		SHA256Cert:  cert,
		Platform:    c.platform,
		Roles:       c.roles,
		Permissions: c.permissions,
	}, nil
}

func queryText(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

type resultJSON struct {
	Package  string       `json:"package"`
	Database string       `json:"database"`
	Document documentFile `json:"document"`
}

// runPagedQuery prints the first page and follows next-page tokens until
// pages have been printed. pages <= 0 follows every token.
func runPagedQuery(cmd *cobra.Command, opts *rootOptions, eng *engine.Engine,
	first func(context.Context) (*model.SearchResultPage, error), pages int) error {
	ctx := cmd.Context()
	page, err := first(ctx)
	if err != nil {
		return err
	}

	var results []model.SearchResult
	for n := 1; ; n++ {
		results = append(results, page.Results...)
		if page.NextPageToken == 0 {
			break
		}
		if pages > 0 && n >= pages {
			eng.InvalidateNextPageToken(ctx, page.NextPageToken)
			break
		}
		if page, err = eng.GetNextPage(ctx, page.NextPageToken); err != nil {
			return err
		}
	}

	out := opts.writer(cmd)
	if opts.jsonOutput {
		rows := make([]resultJSON, 0, len(results))
		for _, r := range results {
			rows = append(rows, resultJSON{
				Package:  r.PackageName,
				Database: r.DatabaseName,
				Document: documentFileFrom(r.Document),
			})
		}
		return out.JSON(rows)
	}

	if len(results) == 0 {
		out.Status("", "No results")
		return nil
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.PackageName, r.DatabaseName, r.Document.Namespace, r.Document.ID, r.Document.SchemaType})
	}
	out.Table([]string{"PACKAGE", "DATABASE", "NAMESPACE", "ID", "TYPE"}, rows)
	return nil
}

func newRemoveByQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		db    database
		flags searchFlags
	)

	cmd := &cobra.Command{
		Use:   "remove-by-query TEXT",
		Short: "Remove every document of a database matching a query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := eng.RemoveByQuery(cmd.Context(), db.owner, db.name, queryText(args), flags.spec()); err != nil {
				return err
			}
			if opts.jsonOutput {
				return opts.writer(cmd).JSON(map[string]bool{"removed": true})
			}
			opts.writer(cmd).Success(fmt.Sprintf("Removed matching documents from %s/%s", db.owner, db.name))
			return nil
		},
	}
	db.addFlags(cmd)
	flags.addFlags(cmd, false)
	return cmd
}
