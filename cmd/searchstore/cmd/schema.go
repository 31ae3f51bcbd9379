package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/searchstore/internal/engine"
	"github.com/Aman-CERP/searchstore/internal/migrate"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/output"
)

// database is the owner/database pair every tenant command addresses.
type database struct {
	owner string
	name  string
}

func (d *database) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.owner, "owner", "", "Owner id of the database (required)")
	cmd.Flags().StringVar(&d.name, "db", "", "Database name")
	_ = cmd.MarkFlagRequired("owner")
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Set or show a database schema",
	}
	cmd.AddCommand(newSchemaSetCmd(opts))
	cmd.AddCommand(newSchemaGetCmd(opts))
	return cmd
}

func newSchemaSetCmd(opts *rootOptions) *cobra.Command {
	var (
		db       database
		force    bool
		version  int
		migrated []string
	)

	cmd := &cobra.Command{
		Use:   "set FILE",
		Short: "Replace a database schema from a YAML or JSON file",
		Long: `Replace the schema of one database. The file lists every type the
database should have; types left out are deleted.

An incompatible change is refused unless --force is given, in which case
documents of incompatible or deleted types are dropped. Types named with
--migrate are carried over instead: each document keeps the properties
its new type still defines, and documents that no longer validate are
reported as migration failures.`,
		Example: `  # Set the schema of owner "com.example.mail", database "inbox"
  searchstore schema set --owner com.example.mail --db inbox schema.yaml

  # Bump to version 2 and carry Email documents over
  searchstore schema set --owner com.example.mail --db inbox --version 2 --migrate Email schema.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaSet(cmd, opts, db, args[0], force, version, migrated)
		},
	}
	db.addFlags(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Drop documents of incompatible or deleted types")
	cmd.Flags().IntVar(&version, "version", 0, "Schema version (overrides the file; 0 keeps the current version)")
	cmd.Flags().StringSliceVar(&migrated, "migrate", nil, "Types whose documents are carried over to the new version")
	return cmd
}

func runSchemaSet(cmd *cobra.Command, opts *rootOptions, db database, path string, force bool, version int, migrated []string) error {
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	sf, err := parseSchemaFile(data)
	if err != nil {
		return err
	}
	types, vis, err := sf.toModel()
	if err != nil {
		return err
	}
	if version == 0 {
		version = sf.Version
	}

	eng, closeFn, err := openEngine(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer closeFn()

	resp, err := eng.SetSchema(cmd.Context(), db.owner, db.name, &engine.SetSchemaRequest{
		Types:         types,
		Visibility:    vis,
		ForceOverride: force,
		Version:       version,
		Migrators:     keepDefinedProperties(types, migrated),
	})
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return opts.writer(cmd).JSON(setSchemaJSON(resp))
	}
	printSetSchema(opts.writer(cmd), db, resp)
	return nil
}

// keepDefinedProperties builds a migrator per named type that drops the
// properties the new definition no longer has.
func keepDefinedProperties(types []model.SchemaType, names []string) map[string]migrate.Migrator {
	if len(names) == 0 {
		return nil
	}
	defined := make(map[string]model.SchemaType, len(types))
	for _, t := range types {
		defined[t.Name] = t
	}

	out := make(map[string]migrate.Migrator, len(names))
	for _, name := range names {
		out[name] = migrate.MigratorFunc(func(_, _ int, doc *model.Document) (*model.Document, error) {
			t, ok := defined[doc.SchemaType]
			if !ok {
				return nil, fmt.Errorf("type %q is not in the new schema", doc.SchemaType)
			}
			next := doc.Clone()
			kept := next.Properties[:0]
			for _, p := range next.Properties {
				if _, ok := t.Property(p.Name); ok {
					kept = append(kept, p)
				}
			}
			next.Properties = kept
			return next, nil
		})
	}
	return out
}

type migrationFailureJSON struct {
	Namespace  string `json:"namespace"`
	ID         string `json:"id"`
	SchemaType string `json:"schema_type"`
	Message    string `json:"message"`
}

type setSchemaResultJSON struct {
	DeletedTypes      []string               `json:"deleted_types"`
	IncompatibleTypes []string               `json:"incompatible_types"`
	MigratedTypes     []string               `json:"migrated_types"`
	MigrationFailures []migrationFailureJSON `json:"migration_failures"`
}

func setSchemaJSON(resp *model.SetSchemaResponse) setSchemaResultJSON {
	out := setSchemaResultJSON{
		DeletedTypes:      nonNil(resp.DeletedTypes),
		IncompatibleTypes: nonNil(resp.IncompatibleTypes),
		MigratedTypes:     nonNil(resp.MigratedTypes),
		MigrationFailures: []migrationFailureJSON{},
	}
	for _, f := range resp.MigrationFailures {
		out.MigrationFailures = append(out.MigrationFailures, migrationFailureJSON{
			Namespace:  f.Namespace,
			ID:         f.ID,
			SchemaType: f.SchemaType,
			Message:    f.Message(),
		})
	}
	return out
}

func printSetSchema(out *output.Writer, db database, resp *model.SetSchemaResponse) {
	out.Successf("Schema set for %s/%s", db.owner, db.name)
	if len(resp.DeletedTypes) > 0 {
		out.Warningf("Deleted types: %s", strings.Join(resp.DeletedTypes, ", "))
	}
	if len(resp.IncompatibleTypes) > 0 {
		out.Warningf("Incompatible types: %s", strings.Join(resp.IncompatibleTypes, ", "))
	}
	if len(resp.MigratedTypes) > 0 {
		out.Statusf("→", "Migrated types: %s", strings.Join(resp.MigratedTypes, ", "))
	}
	if len(resp.MigrationFailures) > 0 {
		out.Warningf("%d documents failed to migrate", len(resp.MigrationFailures))
		rows := make([][]string, 0, len(resp.MigrationFailures))
		for _, f := range resp.MigrationFailures {
			rows = append(rows, []string{f.SchemaType, f.Namespace, f.ID, f.Message()})
		}
		out.Table([]string{"TYPE", "NAMESPACE", "ID", "ERROR"}, rows)
	}
}

func newSchemaGetCmd(opts *rootOptions) *cobra.Command {
	var db database

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a database schema as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, closeFn, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := eng.GetSchema(cmd.Context(), db.owner, db.name)
			if err != nil {
				return err
			}
			sf := schemaFileFrom(resp)
			if opts.jsonOutput {
				return opts.writer(cmd).JSON(sf)
			}
			data, err := yaml.Marshal(sf)
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	db.addFlags(cmd)
	return cmd
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
