// Package neo4j implements graph.Store on top of a Neo4j database using the
// official Bolt driver.
//
// Node kinds map to labels, the (kind, name) identity is enforced by
// uniqueness constraints, and vector queries run against native cosine vector
// indexes with a scan fallback for servers that lack them (see vector.go).
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/eirproject/eir/pkg/graph"
)

// Store implements graph.Store backed by a Neo4j server.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	dim      int
	log      *slog.Logger
}

var _ graph.Store = (*Store)(nil)

// config holds optional configuration for the store.
type config struct {
	database string
	logger   *slog.Logger
}

// Option is a functional option for Store.
type Option func(*config)

// WithDatabase selects a database other than the server default.
func WithDatabase(name string) Option {
	return func(c *config) {
		c.database = name
	}
}

// WithLogger sets the logger used for degradation and schema messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New connects to the Neo4j server at url with basic auth and returns a
// Store whose vector indexes use dimension dim.
func New(ctx context.Context, url, user, password string, dim int, opts ...Option) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("neo4j: url must not be empty")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("neo4j: dimension must be positive, got %d", dim)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	return &Store{
		driver:   driver,
		database: cfg.database,
		dim:      dim,
		log:      cfg.logger,
	}, nil
}

// session opens a session against the configured database.
func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// CreateNode implements graph.Store.
func (s *Store) CreateNode(ctx context.Context, spec graph.NodeSpec) (*graph.Node, error) {
	if err := validateNodeSpec(spec, s.dim); err != nil {
		return nil, err
	}

	props := map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
	}
	if spec.Kind == graph.KindKnowledge {
		props["summary"] = spec.Summary
	}
	for k, v := range spec.Extra {
		if err := validatePropertyKey(k); err != nil {
			return nil, err
		}
		props[k] = v
	}
	if len(spec.Embedding) > 0 {
		props["embedding"] = toFloat64(spec.Embedding)
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Resolve all parents first so a missing one aborts before the CREATE.
		parentIDs := make([]int64, 0, len(spec.BelongsTo))
		for _, parent := range spec.BelongsTo {
			if !parent.Kind.Valid() || parent.Name == "" {
				return nil, fmt.Errorf("%w: malformed parent reference %+v", graph.ErrInvalidArguments, parent)
			}
			res, err := tx.Run(ctx,
				fmt.Sprintf("MATCH (p:%s {name: $name}) RETURN id(p) AS id", parent.Kind),
				map[string]any{"name": parent.Name})
			if err != nil {
				return nil, err
			}
			rec, err := res.Single(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: parent %s %q", graph.ErrNotFound, parent.Kind, parent.Name)
			}
			id, _ := rec.Get("id")
			parentIDs = append(parentIDs, id.(int64))
		}

		res, err := tx.Run(ctx,
			fmt.Sprintf("CREATE (n:%s $props) RETURN id(n) AS id, n", spec.Kind),
			map[string]any{"props": props})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}

		nodeID, _ := rec.Get("id")
		if len(parentIDs) > 0 {
			_, err = tx.Run(ctx,
				"MATCH (n) WHERE id(n) = $id "+
					"MATCH (p) WHERE id(p) IN $parents "+
					"CREATE (n)-[:"+graph.BelongsTo+"]->(p)",
				map[string]any{"id": nodeID, "parents": parentIDs})
			if err != nil {
				return nil, err
			}
		}

		raw, _ := rec.Get("n")
		return recordNode(nodeID.(int64), spec.Kind, raw)
	})
	if err != nil {
		return nil, s.mapError("create node", err)
	}
	return result.(*graph.Node), nil
}

// GetNode implements graph.Store.
func (s *Store) GetNode(ctx context.Context, kind graph.Kind, name string) (*graph.Node, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", graph.ErrInvalidArguments, kind)
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			fmt.Sprintf("MATCH (n:%s {name: $name}) RETURN id(n) AS id, n", kind),
			map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", graph.ErrNotFound, kind, name)
		}
		id, _ := rec.Get("id")
		raw, _ := rec.Get("n")
		return recordNode(id.(int64), kind, raw)
	})
	if err != nil {
		return nil, s.mapError("get node", err)
	}
	return result.(*graph.Node), nil
}

// SetEmbedding implements graph.Store.
func (s *Store) SetEmbedding(ctx context.Context, kind graph.Kind, id int64, vector []float32) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", graph.ErrInvalidArguments, kind)
	}
	if len(vector) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(vector), s.dim)
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			fmt.Sprintf("MATCH (n:%s) WHERE id(n) = $id SET n.embedding = $vec RETURN id(n)", kind),
			map[string]any{"id": id, "vec": toFloat64(vector)})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s id %d", graph.ErrNotFound, kind, id)
		}
		return nil, nil
	})
	if err != nil {
		return s.mapError("set embedding", err)
	}
	return nil
}

// CreateEdge implements graph.Store.
func (s *Store) CreateEdge(ctx context.Context, spec graph.EdgeSpec) (int64, error) {
	if !spec.SourceKind.Valid() || !spec.TargetKind.Valid() {
		return 0, fmt.Errorf("%w: unknown endpoint kind", graph.ErrInvalidArguments)
	}
	if len(spec.SourceNames) == 0 || len(spec.TargetNames) == 0 {
		return 0, fmt.Errorf("%w: endpoint name lists must not be empty", graph.ErrInvalidArguments)
	}
	if err := validateRelType(spec.Relationship); err != nil {
		return 0, err
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Every endpoint must exist at commit time.
		for _, ep := range []struct {
			kind  graph.Kind
			names []string
		}{
			{spec.SourceKind, spec.SourceNames},
			{spec.TargetKind, spec.TargetNames},
		} {
			res, err := tx.Run(ctx,
				fmt.Sprintf("MATCH (n:%s) WHERE n.name IN $names RETURN count(DISTINCT n.name) AS c", ep.kind),
				map[string]any{"names": ep.names})
			if err != nil {
				return nil, err
			}
			rec, err := res.Single(ctx)
			if err != nil {
				return nil, err
			}
			count, _ := rec.Get("c")
			if int(count.(int64)) != len(uniqueStrings(ep.names)) {
				return nil, fmt.Errorf("%w: missing %s endpoint", graph.ErrNotFound, ep.kind)
			}
		}

		res, err := tx.Run(ctx,
			fmt.Sprintf(
				"MATCH (s:%s) WHERE s.name IN $src "+
					"MATCH (t:%s) WHERE t.name IN $dst "+
					"CREATE (s)-[r:%s {description: $description}]->(t) "+
					"RETURN id(r) AS id ORDER BY id",
				spec.SourceKind, spec.TargetKind, spec.Relationship),
			map[string]any{
				"src":         spec.SourceNames,
				"dst":         spec.TargetNames,
				"description": spec.Description,
			})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: no edges created", graph.ErrNotFound)
		}
		last, _ := records[len(records)-1].Get("id")
		return last.(int64), nil
	})
	if err != nil {
		return 0, s.mapError("create edge", err)
	}
	return result.(int64), nil
}

// Alter implements graph.Store.
func (s *Store) Alter(ctx context.Context, spec graph.AlterSpec) (*graph.Node, error) {
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", graph.ErrInvalidArguments, spec.Kind)
	}
	if spec.Delete && len(spec.Fields) > 0 {
		return nil, fmt.Errorf("%w: delete and field updates are mutually exclusive", graph.ErrInvalidArguments)
	}
	if !spec.Delete && len(spec.Fields) == 0 {
		return nil, fmt.Errorf("%w: nothing to alter", graph.ErrInvalidArguments)
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	if spec.Delete {
		_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx,
				fmt.Sprintf("MATCH (n:%s) WHERE id(n) = $id WITH n, id(n) AS nid DETACH DELETE n RETURN nid", spec.Kind),
				map[string]any{"id": spec.ID})
			if err != nil {
				return nil, err
			}
			if _, err := res.Single(ctx); err != nil {
				return nil, fmt.Errorf("%w: %s id %d", graph.ErrNotFound, spec.Kind, spec.ID)
			}
			return nil, nil
		})
		if err != nil {
			return nil, s.mapError("alter delete", err)
		}
		return nil, nil
	}

	setClauses := make([]string, 0, len(spec.Fields))
	params := map[string]any{"id": spec.ID}
	i := 0
	for k, v := range spec.Fields {
		if err := validatePropertyKey(k); err != nil {
			return nil, err
		}
		p := fmt.Sprintf("f%d", i)
		setClauses = append(setClauses, fmt.Sprintf("n.%s = $%s", k, p))
		params[p] = v
		i++
	}

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			fmt.Sprintf("MATCH (n:%s) WHERE id(n) = $id SET %s RETURN id(n) AS id, n",
				spec.Kind, strings.Join(setClauses, ", ")),
			params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s id %d", graph.ErrNotFound, spec.Kind, spec.ID)
		}
		id, _ := rec.Get("id")
		raw, _ := rec.Get("n")
		return recordNode(id.(int64), spec.Kind, raw)
	})
	if err != nil {
		return nil, s.mapError("alter", err)
	}
	return result.(*graph.Node), nil
}

// StructuralQuery implements graph.Store.
func (s *Store) StructuralQuery(ctx context.Context, spec graph.StructuralSpec) ([]map[string]any, error) {
	if strings.TrimSpace(spec.Match) == "" {
		return nil, fmt.Errorf("%w: match clause must not be empty", graph.ErrInvalidArguments)
	}

	var b strings.Builder
	b.WriteString("MATCH ")
	b.WriteString(spec.Match)
	if strings.TrimSpace(spec.Where) != "" {
		b.WriteString(" WHERE ")
		b.WriteString(spec.Where)
	}
	if strings.TrimSpace(spec.Return) != "" {
		b.WriteString(" RETURN ")
		b.WriteString(spec.Return)
	} else {
		b.WriteString(" RETURN *")
	}
	b.WriteString(fmt.Sprintf(" LIMIT %d", graph.MaxRows))

	return s.runRows(ctx, b.String(), spec.Params)
}

// RawQuery implements graph.Store.
func (s *Store) RawQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", graph.ErrInvalidArguments)
	}
	return s.runRows(ctx, query, params)
}

// runRows executes a query in a write session (raw queries may mutate) and
// collects at most graph.MaxRows rows.
func (s *Store) runRows(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, graph.MaxRows)
		for len(rows) < graph.MaxRows && res.Next(ctx) {
			rows = append(rows, plainRow(res.Record()))
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return rows, nil
	})
	if err != nil {
		return nil, s.mapError("query", err)
	}
	return result.([]map[string]any), nil
}

// Ping implements graph.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", graph.ErrBackend, err)
	}
	return nil
}

// Close implements graph.Store.
func (s *Store) Close(ctx context.Context) error {
	if err := s.driver.Close(ctx); err != nil {
		return fmt.Errorf("neo4j: close: %w", err)
	}
	return nil
}

// mapError translates driver errors into the graph sentinel taxonomy.
// Sentinel errors produced inside transaction functions pass through.
func (s *Store) mapError(op string, err error) error {
	switch {
	case errors.Is(err, graph.ErrNotFound),
		errors.Is(err, graph.ErrDuplicateName),
		errors.Is(err, graph.ErrDimensionMismatch),
		errors.Is(err, graph.ErrInvalidArguments):
		return err
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) &&
		strings.Contains(neoErr.Code, "ConstraintValidationFailed") {
		return fmt.Errorf("%w: %s", graph.ErrDuplicateName, neoErr.Msg)
	}
	return fmt.Errorf("%w: %s: %v", graph.ErrBackend, op, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// validateNodeSpec checks spec against the creation invariants.
func validateNodeSpec(spec graph.NodeSpec, dim int) error {
	if !spec.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", graph.ErrInvalidArguments, spec.Kind)
	}
	if spec.Name == "" {
		return fmt.Errorf("%w: name must not be empty", graph.ErrInvalidArguments)
	}
	if spec.Kind == graph.KindKnowledge && spec.Summary == "" {
		return fmt.Errorf("%w: Knowledge node requires a summary", graph.ErrInvalidArguments)
	}
	if len(spec.Embedding) > 0 && len(spec.Embedding) != dim {
		return fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(spec.Embedding), dim)
	}
	return nil
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateRelType rejects relationship types that cannot be inlined safely.
func validateRelType(rel string) error {
	if !identifierRe.MatchString(rel) {
		return fmt.Errorf("%w: invalid relationship type %q", graph.ErrInvalidArguments, rel)
	}
	return nil
}

// validatePropertyKey rejects property names that cannot be inlined safely or
// would collide with the reserved embedding slot.
func validatePropertyKey(k string) error {
	if !identifierRe.MatchString(k) {
		return fmt.Errorf("%w: invalid property name %q", graph.ErrInvalidArguments, k)
	}
	if k == "embedding" {
		return fmt.Errorf("%w: property %q is reserved", graph.ErrInvalidArguments, k)
	}
	return nil
}

// toFloat64 converts an embedding vector into the driver's list type.
func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// uniqueStrings returns the distinct values of in.
func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// recordNode converts a returned node value into a graph.Node.
func recordNode(id int64, kind graph.Kind, raw any) (*graph.Node, error) {
	dbNode, ok := raw.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("unexpected node value %T", raw)
	}

	n := &graph.Node{ID: id, Kind: kind}
	for k, v := range dbNode.Props {
		switch k {
		case "name":
			n.Name, _ = v.(string)
		case "description":
			n.Description, _ = v.(string)
		case "summary":
			n.Summary, _ = v.(string)
		case "embedding":
			n.HasEmbedding = v != nil
		default:
			if n.Extra == nil {
				n.Extra = map[string]any{}
			}
			n.Extra[k] = v
		}
	}
	return n, nil
}

// plainRow converts a record into JSON-friendly values: nodes and
// relationships become nested maps, everything else passes through.
func plainRow(rec *neo4j.Record) map[string]any {
	row := make(map[string]any, len(rec.Keys))
	for _, key := range rec.Keys {
		val, _ := rec.Get(key)
		row[key] = plainValue(val)
	}
	return row
}

func plainValue(v any) any {
	switch t := v.(type) {
	case neo4j.Node:
		props := make(map[string]any, len(t.Props))
		for k, p := range t.Props {
			if k == "embedding" {
				continue
			}
			props[k] = p
		}
		return map[string]any{
			"id":         t.Id,
			"labels":     t.Labels,
			"properties": props,
		}
	case neo4j.Relationship:
		return map[string]any{
			"id":         t.Id,
			"type":       t.Type,
			"start":      t.StartId,
			"end":        t.EndId,
			"properties": t.Props,
		}
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
