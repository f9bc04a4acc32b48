package weaviate

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"lorebase/internal/indexer"
	"lorebase/internal/retrieval"
	"lorebase/internal/vector"
)

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, vector.NewSchemaAdapter(s.client))
}

// Upsert writes points in one batch call. Weaviate batch objects are PUT
// semantics, so retries after a partial failure are safe.
func (s *Store) Upsert(ctx context.Context, points []indexer.Point) error {
	if len(points) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(points))
	for _, p := range points {
		objects = append(objects, &models.Object{
			ID:    strfmt.UUID(p.ID),
			Class: vector.ClassName,
			Properties: map[string]interface{}{
				"content":    p.Content,
				"kbId":       p.KBID,
				"documentId": p.DocumentID,
				"chunkIndex": p.ChunkIndex,
				"heading":    p.Heading,
				"importance": p.Importance,
				"annotated":  p.Annotated,
			},
			Vector: p.Vector,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert error for %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// SearchNear returns up to limit neighbours of vec within the knowledge
// base, dropping anything below minSimilarity (cosine). Extra filters match
// string properties exactly.
func (s *Store) SearchNear(ctx context.Context, kbID string, vec []float32, limit int, minSimilarity float64, extra map[string]string) ([]retrieval.SemanticHit, error) {
	// Weaviate reports cosine distance; similarity = 1 - distance.
	maxDistance := float32(1 - minSimilarity)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vec).
		WithDistance(maxDistance)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "heading"},
		{Name: "importance"},
		{Name: "annotated"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(buildWhere(kbID, extra)).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var hits []retrieval.SemanticHit
	data, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return hits, nil
	}
	rows, ok := data[vector.ClassName].([]interface{})
	if !ok {
		return hits, nil
	}

	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		hit := retrieval.SemanticHit{Metadata: make(map[string]interface{})}
		if content, ok := props["content"].(string); ok {
			hit.Content = content
		}
		if docID, ok := props["documentId"].(string); ok {
			hit.Metadata["documentId"] = docID
		}
		if idx, ok := props["chunkIndex"].(float64); ok {
			hit.Metadata["chunkIndex"] = int(idx)
		}
		if heading, ok := props["heading"].(string); ok && heading != "" {
			hit.Metadata["heading"] = heading
		}
		if imp, ok := props["importance"].(string); ok {
			hit.Metadata["importance"] = imp
		}
		if ann, ok := props["annotated"].(bool); ok {
			hit.Metadata["annotated"] = ann
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if id, ok := additional["id"].(string); ok {
				hit.ChunkID = id
			}
			if dist, ok := additional["distance"].(float64); ok {
				hit.Similarity = 1 - dist
			}
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// DeleteByDocument removes every vector owned by a document. Deletion runs
// before the relational rows go away, so a failure here leaves the rows for
// the reconciliation sweep.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueString(documentID)).
		Do(ctx)
	return err
}

// DeleteByKnowledgeBase removes every vector in a knowledge base.
func (s *Store) DeleteByKnowledgeBase(ctx context.Context, kbID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"kbId"}).
			WithOperator(filters.Equal).
			WithValueString(kbID)).
		Do(ctx)
	return err
}

// CountByDocument reports how many vectors a document currently owns.
func (s *Store) CountByDocument(ctx context.Context, documentID string) (int, error) {
	where := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	data, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := data[vector.ClassName].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func buildWhere(kbID string, extra map[string]string) *filters.WhereBuilder {
	kbFilter := filters.Where().
		WithPath([]string{"kbId"}).
		WithOperator(filters.Equal).
		WithValueString(kbID)

	if len(extra) == 0 {
		return kbFilter
	}

	operands := []*filters.WhereBuilder{kbFilter}
	for path, value := range extra {
		operands = append(operands, filters.Where().
			WithPath([]string{path}).
			WithOperator(filters.Equal).
			WithValueString(value))
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}
