package cmd

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/searchstore/internal/model"
)

func newPutCmd(opts *rootOptions) *cobra.Command {
	var db database

	cmd := &cobra.Command{
		Use:   "put FILE",
		Short: "Put documents from a YAML or JSON file",
		Long: `Put one document, or a list of documents, into a database. Property
values are converted using the database schema. Documents without an id
get a random UUID. Use "-" to read from stdin.`,
		Example: `  searchstore put --owner com.example.mail --db inbox emails.yaml
  echo '{"namespace":"inbox","schema_type":"Email","properties":{"subject":"hi"}}' | \
    searchstore put --owner com.example.mail --db inbox -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			files, err := parseDocumentFiles(data)
			if err != nil {
				return err
			}

			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			schema, err := eng.GetSchema(cmd.Context(), db.owner, db.name)
			if err != nil {
				return err
			}
			types := make(map[string]model.SchemaType, len(schema.Types))
			for _, t := range schema.Types {
				types[t.Name] = t
			}

			docs := make([]*model.Document, 0, len(files))
			for _, df := range files {
				if df.ID == "" {
					df.ID = uuid.NewString()
				}
				doc, err := df.toModel(types)
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}

			res, err := eng.PutBatch(cmd.Context(), db.owner, db.name, docs)
			if err != nil {
				return err
			}
			return reportBatch(cmd, opts, "Put", docs, res.Failures)
		},
	}
	db.addFlags(cmd)
	return cmd
}

// reportBatch prints per-document outcomes and fails when any failed.
func reportBatch(cmd *cobra.Command, opts *rootOptions, verb string, docs []*model.Document, failures map[string]error) error {
	out := opts.writer(cmd)
	if opts.jsonOutput {
		ids := make([]string, 0, len(docs))
		for _, d := range docs {
			if _, failed := failures[d.ID]; !failed {
				ids = append(ids, d.ID)
			}
		}
		errs := make(map[string]string, len(failures))
		for id, err := range failures {
			errs[id] = err.Error()
		}
		if err := out.JSON(map[string]any{"succeeded": ids, "failed": errs}); err != nil {
			return err
		}
	} else {
		for _, d := range docs {
			if err, failed := failures[d.ID]; failed {
				out.Errorf("%s %s/%s: %v", verb, d.Namespace, d.ID, err)
				continue
			}
			out.Successf("%s %s/%s", verb, d.Namespace, d.ID)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d documents failed", len(failures), len(docs))
	}
	return nil
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var (
		db        database
		namespace string
	)

	cmd := &cobra.Command{
		Use:   "get ID...",
		Short: "Get documents by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := eng.GetBatch(cmd.Context(), db.owner, db.name, namespace, args)
			if err != nil {
				return err
			}

			found := make([]documentFile, 0, len(res.Successes))
			for _, id := range args {
				if doc, ok := res.Successes[id]; ok {
					found = append(found, documentFileFrom(doc))
				}
			}
			if err := printDocuments(cmd, opts, found); err != nil {
				return err
			}

			missing := make([]string, 0, len(res.Failures))
			for id := range res.Failures {
				missing = append(missing, id)
			}
			sort.Strings(missing)
			for _, id := range missing {
				opts.errWriter(cmd).Errorf("%s: %v", id, res.Failures[id])
			}
			if len(missing) > 0 {
				return fmt.Errorf("%d of %d documents not found", len(missing), len(args))
			}
			return nil
		},
	}
	db.addFlags(cmd)
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace of the documents")
	return cmd
}

// printDocuments writes docs as JSON or as a YAML document list.
func printDocuments(cmd *cobra.Command, opts *rootOptions, docs []documentFile) error {
	if opts.jsonOutput {
		return opts.writer(cmd).JSON(docs)
	}
	if len(docs) == 0 {
		return nil
	}
	data, err := yaml.Marshal(docs)
	if err != nil {
		return fmt.Errorf("failed to marshal documents: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	var (
		db        database
		namespace string
	)

	cmd := &cobra.Command{
		Use:   "remove ID...",
		Short: "Remove documents by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := eng.RemoveBatch(cmd.Context(), db.owner, db.name, namespace, args)
			if err != nil {
				return err
			}
			docs := make([]*model.Document, len(args))
			for i, id := range args {
				docs[i] = &model.Document{Namespace: namespace, ID: id}
			}
			return reportBatch(cmd, opts, "Removed", docs, res.Failures)
		},
	}
	db.addFlags(cmd)
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace of the documents")
	return cmd
}

func newNamespacesCmd(opts *rootOptions) *cobra.Command {
	var db database

	cmd := &cobra.Command{
		Use:   "namespaces",
		Short: "List namespaces that hold live documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			names, err := eng.GetNamespaces(cmd.Context(), db.owner, db.name)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return opts.writer(cmd).JSON(nonNil(names))
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
	db.addFlags(cmd)
	return cmd
}
