package weaviate

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"jobmatch/src/core/entity"
)

const entityIDProperty = "entity_id"

// objectNamespace seeds the deterministic object ids so re-mirroring an entity replaces its object
var objectNamespace = uuid.MustParse("5b0e4f7e-3c2a-4d8b-9a51-2f1c6d7e8a90")

// VectorIndex mirrors entity vectors into Weaviate, one class per entity kind
type VectorIndex struct {
	client *weaviate.Client
	prefix string
}

func NewVectorIndex(client *weaviate.Client, classPrefix string) *VectorIndex {
	if classPrefix == "" {
		classPrefix = "Jobmatch"
	}
	return &VectorIndex{client: client, prefix: classPrefix}
}

// NewClient builds a client from a URL such as http://weaviate:8080
func NewClient(rawURL string) (*weaviate.Client, error) {
	scheme, host := "http", rawURL
	if i := strings.Index(rawURL, "://"); i >= 0 {
		scheme, host = rawURL[:i], rawURL[i+3:]
	}
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: strings.TrimRight(host, "/")})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return client, nil
}

// ClassName is the Weaviate class holding vectors of kind
func (w *VectorIndex) ClassName(kind entity.Kind) string {
	k := string(kind)
	if k == "" {
		return w.prefix
	}
	return w.prefix + strings.ToUpper(k[:1]) + k[1:]
}

func objectID(ref entity.Ref) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(ref.String())).String())
}

// EnsureSchema creates the per-kind classes that do not exist yet. Vectors are supplied by us.
func (w *VectorIndex) EnsureSchema(ctx context.Context) error {
	schema, err := w.client.Schema().Getter().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema: %w", err)
	}
	existing := make(map[string]bool, len(schema.Classes))
	for _, class := range schema.Classes {
		existing[class.Class] = true
	}

	for _, kind := range []entity.Kind{entity.KindJob, entity.KindCandidate} {
		name := w.ClassName(kind)
		if existing[name] {
			continue
		}
		class := &models.Class{
			Class:      name,
			Vectorizer: "none",
			Properties: []*models.Property{
				{Name: entityIDProperty, DataType: []string{"text"}},
			},
		}
		if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("failed to create Weaviate class %s: %w", name, err)
		}
	}
	return nil
}

// Upsert writes one vector, replacing any earlier object for the same entity
func (w *VectorIndex) Upsert(ctx context.Context, ref entity.Ref, vector []float32) error {
	return w.BatchUpsert(ctx, ref.Kind, []entity.StoredVector{{Ref: ref, Vector: vector}})
}

// BatchUpsert writes many vectors of one kind in a single request
func (w *VectorIndex) BatchUpsert(ctx context.Context, kind entity.Kind, vectors []entity.StoredVector) error {
	if len(vectors) == 0 {
		return nil
	}
	className := w.ClassName(kind)
	objs := make([]*models.Object, len(vectors))
	for i, v := range vectors {
		objs[i] = &models.Object{
			Class:      className,
			ID:         objectID(v.Ref),
			Properties: map[string]interface{}{entityIDProperty: v.Ref.ID},
			Vector:     v.Vector,
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch upsert vectors: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("failed to upsert vector %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Nearest returns the entity ids of kind closest to vector
func (w *VectorIndex) Nearest(ctx context.Context, kind entity.Kind, vector []float32, limit int) ([]string, error) {
	className := w.ClassName(kind)
	fields := []graphql.Field{
		{Name: entityIDProperty},
		{Name: "_additional { id distance }"},
	}
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	result, err := w.client.GraphQL().Get().
		WithClassName(className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failed to query vectors: %s", result.Errors[0].Message)
	}

	var ids []string
	data, _ := result.Data["Get"].(map[string]interface{})
	objects, _ := data[className].([]interface{})
	for _, obj := range objects {
		objMap, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := objMap[entityIDProperty].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Delete removes an entity's vector from the index
func (w *VectorIndex) Delete(ctx context.Context, ref entity.Ref) error {
	err := w.client.Data().Deleter().
		WithClassName(w.ClassName(ref.Kind)).
		WithID(objectID(ref).String()).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}
