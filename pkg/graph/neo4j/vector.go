package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/eirproject/eir/pkg/graph"
)

// VectorQuery implements graph.Store.
//
// Three strategies are tried in order:
//  1. the native vector index (db.index.vector.queryNodes),
//  2. a cosine scan over nodes that carry an embedding,
//  3. an unscored scan returning the placeholder score 1.0.
//
// Each step down the chain is logged at warn level.
func (s *Store) VectorQuery(ctx context.Context, kind graph.Kind, vector []float32, k int, minScore float64) ([]graph.Hit, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", graph.ErrInvalidArguments, kind)
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", graph.ErrDimensionMismatch, len(vector), s.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", graph.ErrInvalidArguments, k)
	}

	vec := toFloat64(vector)

	hits, err := s.vectorIndexQuery(ctx, kind, vec, k, minScore)
	if err == nil {
		return hits, nil
	}
	s.log.Warn("vector index query failed, falling back to cosine scan",
		"kind", string(kind), "error", err)

	hits, err = s.cosineScanQuery(ctx, kind, vec, k, minScore)
	if err == nil {
		return hits, nil
	}
	s.log.Warn("cosine scan failed, falling back to unscored scan",
		"kind", string(kind), "error", err)

	hits, err = s.unscoredScanQuery(ctx, kind, k)
	if err != nil {
		return nil, s.mapError("vector query", err)
	}
	return hits, nil
}

// vectorIndexQuery queries the native vector index for kind.
func (s *Store) vectorIndexQuery(ctx context.Context, kind graph.Kind, vec []float64, k int, minScore float64) ([]graph.Hit, error) {
	return s.collectHits(ctx,
		fmt.Sprintf(
			"CALL db.index.vector.queryNodes($index, $k, $vec) YIELD node, score "+
				"WHERE score >= $minScore AND '%s' IN labels(node) "+
				"RETURN id(node) AS id, node.name AS name, node.description AS description, score "+
				"ORDER BY score DESC, id ASC",
			kind),
		map[string]any{
			"index":    indexName(kind),
			"k":        k,
			"vec":      vec,
			"minScore": minScore,
		})
}

// cosineScanQuery scores every embedded node of the kind with the built-in
// cosine function. Correct but linear in the number of nodes.
func (s *Store) cosineScanQuery(ctx context.Context, kind graph.Kind, vec []float64, k int, minScore float64) ([]graph.Hit, error) {
	return s.collectHits(ctx,
		fmt.Sprintf(
			"MATCH (n:%s) WHERE n.embedding IS NOT NULL "+
				"WITH n, vector.similarity.cosine(n.embedding, $vec) AS score "+
				"WHERE score >= $minScore "+
				"RETURN id(n) AS id, n.name AS name, n.description AS description, score "+
				"ORDER BY score DESC, id ASC LIMIT $k",
			kind),
		map[string]any{
			"vec":      vec,
			"k":        k,
			"minScore": minScore,
		})
}

/// unscoredScanQuery is the last resort: embedded nodes in id order with the
// placeholder score 1.0.
func (s *Store) unscoredScanQuery(ctx context.Context, kind graph.Kind, k int) ([]graph.Hit, error) {
	return s.collectHits(ctx,
		fmt.Sprintf(
			"MATCH (n:%s) WHERE n.embedding IS NOT NULL "+
				"RETURN id(n) AS id, n.name AS name, n.description AS description, 1.0 AS score "+
				"ORDER BY id ASC LIMIT $k",
			kind),
		map[string]any{"k": k})
}

// collectHits runs a read query whose rows carry id/name/description/score.
func (s *Store) collectHits(ctx context.Context, query string, params map[string]any) ([]graph.Hit, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		hits := make([]graph.Hit, 0, len(records))
		for _, rec := range records {
			hits = append(hits, recordHit(rec))
		}
		return hits, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]graph.Hit), nil
}

// recordHit reads one id/name/description/score row.
func recordHit(rec *neo4j.Record) graph.Hit {
	var h graph.Hit
	if v, ok := rec.Get("id"); ok {
		h.ID, _ = v.(int64)
	}
	if v, ok := rec.Get("name"); ok {
		h.Name, _ = v.(string)
	}
	if v, ok := rec.Get("description"); ok {
		h.Description, _ = v.(string)
	}
	if v, ok := rec.Get("score"); ok {
		h.Score, _ = v.(float64)
	}
	return h
}

// HybridQuery implements graph.Store. Source nodes are ranked by vector
// similarity first; each survivor is then joined through the relationship to
// target nodes, direction-agnostic so reserved child→parent edges resolve
// from either side.
func (s *Store) HybridQuery(ctx context.Context, spec graph.HybridSpec) ([]graph.HybridHit, error) {
	if !spec.TargetKind.Valid() {
		return nil, fmt.Errorf("%w: unknown target kind %q", graph.ErrInvalidArguments, spec.TargetKind)
	}
	if err := validateRelType(spec.Relationship); err != nil {
		return nil, err
	}

	sources, err := s.VectorQuery(ctx, spec.SourceKind, spec.Vector, spec.K, spec.MinScore)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(sources))
	scores := make(map[int64]graph.Hit, len(sources))
	for i, h := range sources {
		ids[i] = h.ID
		scores[h.ID] = h
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	result, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			fmt.Sprintf(
				"MATCH (src)-[r:%s]-(dst:%s) WHERE id(src) IN $ids "+
					"RETURN id(src) AS srcId, type(r) AS rel, "+
					"id(dst) AS id, dst.name AS name, dst.description AS description "+
					"ORDER BY srcId, id",
				spec.Relationship, spec.TargetKind),
			map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, s.mapError("hybrid query", err)
	}

	joined := make(map[int64][]graph.HybridHit)
	for _, rec := range result.([]*neo4j.Record) {
		srcRaw, _ := rec.Get("srcId")
		srcID, _ := srcRaw.(int64)
		src, ok := scores[srcID]
		if !ok {
			continue
		}
		relRaw, _ := rec.Get("rel")
		rel, _ := relRaw.(string)
		joined[srcID] = append(joined[srcID], graph.HybridHit{
			Source:       src,
			Relationship: rel,
			Target:       recordHit(rec),
		})
	}

	// Preserve the vector ranking of the sources.
	var hits []graph.HybridHit
	for _, src := range sources {
		hits = append(hits, joined[src.ID]...)
	}
	return hits, nil
}
