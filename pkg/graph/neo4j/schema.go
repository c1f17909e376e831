package neo4j

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/eirproject/eir/pkg/graph"
)

// indexName returns the vector index name for a kind, e.g. "knowledge_embedding".
func indexName(kind graph.Kind) string {
	return strings.ToLower(string(kind)) + "_embedding"
}

// SchemaInit implements graph.Store. It creates, for every node kind, a
// uniqueness constraint on name and a cosine vector index on embedding with
// the store's configured dimension. All statements use IF NOT EXISTS, so the
// call is idempotent. The name uniqueness constraint is index-backed, which
// also covers exact-name lookups.
func (s *Store) SchemaInit(ctx context.Context) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	for _, kind := range graph.Kinds() {
		statements := []string{
			fmt.Sprintf(
				"CREATE CONSTRAINT %s_name IF NOT EXISTS FOR (n:%s) REQUIRE n.name IS UNIQUE",
				strings.ToLower(string(kind)), kind),
			fmt.Sprintf(
				"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.embedding) "+
					"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
				indexName(kind), kind, s.dim),
		}
		for _, stmt := range statements {
			if _, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				res, err := tx.Run(ctx, stmt, nil)
				if err != nil {
					return nil, err
				}
				_, err = res.Consume(ctx)
				return nil, err
			}); err != nil {
				return s.mapError("schema init", err)
			}
		}
		s.log.Debug("schema ensured", "kind", string(kind), "vector_index", indexName(kind), "dimensions", s.dim)
	}
	return nil
}
