package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
)

// schemaFile is the on-disk form of a database schema. JSON is accepted
// too since it is valid YAML.
type schemaFile struct {
	Version    int                       `yaml:"version,omitempty" json:"version,omitempty"`
	Types      []typeFile                `yaml:"types" json:"types"`
	Visibility map[string]visibilityFile `yaml:"visibility,omitempty" json:"visibility,omitempty"`
}

type typeFile struct {
	Name       string         `yaml:"name" json:"name"`
	Properties []propertyFile `yaml:"properties,omitempty" json:"properties,omitempty"`
}

type propertyFile struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Cardinality string `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	SchemaType  string `yaml:"schema_type,omitempty" json:"schema_type,omitempty"`
	Indexing    string `yaml:"indexing,omitempty" json:"indexing,omitempty"`
}

type visibilityFile struct {
	NotPlatformSurfaceable bool          `yaml:"not_platform_surfaceable,omitempty" json:"not_platform_surfaceable,omitempty"`
	PackageAccess          []packageFile `yaml:"package_access,omitempty" json:"package_access,omitempty"`
	Roles                  []string      `yaml:"roles,omitempty" json:"roles,omitempty"`
	Permissions            []string      `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

type packageFile struct {
	Package    string `yaml:"package" json:"package"`
	SHA256Cert string `yaml:"sha256_cert,omitempty" json:"sha256_cert,omitempty"`
}

// documentFile is the on-disk form of a document. Property values are
// scalars or lists; BYTES values are base64 and DOCUMENT values are
// nested documentFile mappings.
type documentFile struct {
	Namespace               string         `yaml:"namespace" json:"namespace"`
	ID                      string         `yaml:"id" json:"id"`
	SchemaType              string         `yaml:"schema_type" json:"schema_type"`
	CreationTimestampMillis int64          `yaml:"creation_timestamp_millis,omitempty" json:"creation_timestamp_millis,omitempty"`
	TTLMillis               int64          `yaml:"ttl_millis,omitempty" json:"ttl_millis,omitempty"`
	Score                   int32          `yaml:"score,omitempty" json:"score,omitempty"`
	Properties              map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// readInput reads path, or stdin when path is "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func parseSchemaFile(data []byte) (*schemaFile, error) {
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, errors.InvalidArgumentf("failed to parse schema file: %v", err)
	}
	return &sf, nil
}

func (sf *schemaFile) toModel() ([]model.SchemaType, map[string]model.VisibilitySettings, error) {
	types := make([]model.SchemaType, 0, len(sf.Types))
	for _, tf := range sf.Types {
		t := model.SchemaType{Name: tf.Name}
		for _, pf := range tf.Properties {
			pc, err := pf.toModel()
			if err != nil {
				return nil, nil, errors.InvalidArgumentf("type %q property %q: %v", tf.Name, pf.Name, err)
			}
			t.Properties = append(t.Properties, pc)
		}
		types = append(types, t)
	}

	var vis map[string]model.VisibilitySettings
	if len(sf.Visibility) > 0 {
		vis = make(map[string]model.VisibilitySettings, len(sf.Visibility))
		for name, vf := range sf.Visibility {
			v, err := vf.toModel()
			if err != nil {
				return nil, nil, errors.InvalidArgumentf("visibility of %q: %v", name, err)
			}
			vis[name] = v
		}
	}
	return types, vis, nil
}

func (pf propertyFile) toModel() (model.PropertyConfig, error) {
	dt, err := model.ParseDataType(pf.Type)
	if err != nil {
		return model.PropertyConfig{}, err
	}
	card := model.CardinalityOptional
	if pf.Cardinality != "" {
		if card, err = model.ParseCardinality(pf.Cardinality); err != nil {
			return model.PropertyConfig{}, err
		}
	}
	idx, err := model.ParseIndexing(pf.Indexing)
	if err != nil {
		return model.PropertyConfig{}, err
	}
	return model.PropertyConfig{
		Name:        pf.Name,
		DataType:    dt,
		Cardinality: card,
		SchemaType:  pf.SchemaType,
		Indexing:    idx,
	}, nil
}

func (vf visibilityFile) toModel() (model.VisibilitySettings, error) {
	v := model.VisibilitySettings{
		NotPlatformSurfaceable: vf.NotPlatformSurfaceable,
		Roles:                  vf.Roles,
		Permissions:            vf.Permissions,
	}
	for _, pf := range vf.PackageAccess {
		cert, err := hex.DecodeString(pf.SHA256Cert)
		if err != nil {
			return v, fmt.Errorf("package %q: sha256_cert is not hex: %w", pf.Package, err)
		}
		v.PackageAccess = append(v.PackageAccess, model.PackageIdentifier{PackageName: pf.Package, SHA256Cert: cert})
	}
	return v, nil
}

// schemaFileFrom renders a GetSchema response in file form.
func schemaFileFrom(resp *model.GetSchemaResponse) *schemaFile {
	sf := &schemaFile{Version: resp.Version}
	for _, t := range resp.Types {
		tf := typeFile{Name: t.Name}
		for _, p := range t.Properties {
			pf := propertyFile{
				Name:        p.Name,
				Type:        p.DataType.String(),
				Cardinality: p.Cardinality.String(),
				SchemaType:  p.SchemaType,
			}
			if p.Indexing != model.IndexingNone {
				pf.Indexing = p.Indexing.String()
			}
			tf.Properties = append(tf.Properties, pf)
		}
		sf.Types = append(sf.Types, tf)
	}
	for name, v := range resp.Visibility {
		if sf.Visibility == nil {
			sf.Visibility = make(map[string]visibilityFile)
		}
		vf := visibilityFile{
			NotPlatformSurfaceable: v.NotPlatformSurfaceable,
			Roles:                  v.Roles,
			Permissions:            v.Permissions,
		}
		for _, p := range v.PackageAccess {
			vf.PackageAccess = append(vf.PackageAccess, packageFile{
				Package:    p.PackageName,
				SHA256Cert: hex.EncodeToString(p.SHA256Cert),
			})
		}
		sf.Visibility[name] = vf
	}
	return sf
}

// parseDocumentFiles accepts a single document mapping or a sequence of
// them.
func parseDocumentFiles(data []byte) ([]documentFile, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.InvalidArgumentf("failed to parse document file: %v", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.InvalidArgument("document file is empty")
	}

	node := root.Content[0]
	var docs []documentFile
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&docs); err != nil {
			return nil, errors.InvalidArgumentf("failed to decode documents: %v", err)
		}
	case yaml.MappingNode:
		var df documentFile
		if err := node.Decode(&df); err != nil {
			return nil, errors.InvalidArgumentf("failed to decode document: %v", err)
		}
		docs = append(docs, df)
	default:
		return nil, errors.InvalidArgument("document file must hold a mapping or a list of mappings")
	}
	return docs, nil
}

// toModel converts df using the database's local schema types to pick
// each property's value type.
func (df documentFile) toModel(types map[string]model.SchemaType) (*model.Document, error) {
	t, ok := types[df.SchemaType]
	if !ok {
		return nil, errors.NotFound("schema type %q is not in the schema", df.SchemaType)
	}

	doc := &model.Document{
		Namespace:               df.Namespace,
		ID:                      df.ID,
		SchemaType:              df.SchemaType,
		CreationTimestampMillis: df.CreationTimestampMillis,
		TTLMillis:               df.TTLMillis,
		Score:                   df.Score,
	}
	for _, name := range sortedMapKeys(df.Properties) {
		pc, ok := t.Property(name)
		if !ok {
			return nil, errors.InvalidArgumentf("property %q is not defined for schema type %q", name, df.SchemaType)
		}
		v, err := convertValues(pc, df.Namespace, df.Properties[name], types)
		if err != nil {
			return nil, errors.InvalidArgumentf("property %q of document %q: %v", name, df.ID, err)
		}
		doc.SetProperty(name, v)
	}
	return doc, nil
}

func convertValues(pc model.PropertyConfig, namespace string, raw any, types map[string]model.SchemaType) (model.Value, error) {
	items, ok := raw.([]any)
	if !ok {
		items = []any{raw}
	}

	switch pc.DataType {
	case model.DataTypeString:
		out := make(model.StringValues, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", it)
			}
			out = append(out, s)
		}
		return out, nil
	case model.DataTypeInt64:
		out := make(model.Int64Values, 0, len(items))
		for _, it := range items {
			n, ok := it.(int)
			if !ok {
				return nil, fmt.Errorf("expected integer, got %T", it)
			}
			out = append(out, int64(n))
		}
		return out, nil
	case model.DataTypeDouble:
		out := make(model.DoubleValues, 0, len(items))
		for _, it := range items {
			switch n := it.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			default:
				return nil, fmt.Errorf("expected number, got %T", it)
			}
		}
		return out, nil
	case model.DataTypeBoolean:
		out := make(model.BooleanValues, 0, len(items))
		for _, it := range items {
			b, ok := it.(bool)
			if !ok {
				return nil, fmt.Errorf("expected boolean, got %T", it)
			}
			out = append(out, b)
		}
		return out, nil
	case model.DataTypeBytes:
		out := make(model.BytesValues, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("expected base64 string, got %T", it)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid base64: %w", err)
			}
			out = append(out, b)
		}
		return out, nil
	case model.DataTypeDocument:
		out := make(model.DocumentValues, 0, len(items))
		for _, it := range items {
			child, err := nestedDocument(pc, namespace, it, types)
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported data type %s", pc.DataType)
}

// nestedDocument re-decodes a generic mapping as a documentFile. The
// nested schema type and namespace default to the property's type and the
// parent's namespace.
func nestedDocument(pc model.PropertyConfig, namespace string, raw any, types map[string]model.SchemaType) (*model.Document, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var df documentFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("expected nested document: %w", err)
	}
	if df.SchemaType == "" {
		df.SchemaType = pc.SchemaType
	}
	if df.Namespace == "" {
		df.Namespace = namespace
	}
	return df.toModel(types)
}

// documentFileFrom renders doc in file form.
func documentFileFrom(doc *model.Document) documentFile {
	df := documentFile{
		Namespace:               doc.Namespace,
		ID:                      doc.ID,
		SchemaType:              doc.SchemaType,
		CreationTimestampMillis: doc.CreationTimestampMillis,
		TTLMillis:               doc.TTLMillis,
		Score:                   doc.Score,
	}
	if len(doc.Properties) > 0 {
		df.Properties = make(map[string]any, len(doc.Properties))
	}
	for _, p := range doc.Properties {
		switch vals := p.Value.(type) {
		case model.StringValues:
			df.Properties[p.Name] = []string(vals)
		case model.Int64Values:
			df.Properties[p.Name] = []int64(vals)
		case model.DoubleValues:
			df.Properties[p.Name] = []float64(vals)
		case model.BooleanValues:
			df.Properties[p.Name] = []bool(vals)
		case model.BytesValues:
			enc := make([]string, len(vals))
			for i, b := range vals {
				enc[i] = base64.StdEncoding.EncodeToString(b)
			}
			df.Properties[p.Name] = enc
		case model.DocumentValues:
			nested := make([]documentFile, len(vals))
			for i, child := range vals {
				nested[i] = documentFileFrom(child)
			}
			df.Properties[p.Name] = nested
		}
	}
	return df
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
