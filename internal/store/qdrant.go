package store

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

// qdrantIndex backs similarity search with a Qdrant collection over gRPC,
// for deployments where the heuristic set outgrows the embedded index.
type qdrantIndex struct {
	client     *qdrant.Client
	collection string
}

func newQdrantIndex(ctx context.Context, cfg config.QdrantConfig, collection string, dimension int, logger *logging.Logger) (*qdrantIndex, error) {
	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey.Value(),
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check collection %s: %w", collection, err)
	}
	if exists {
		// Same rebuild-from-journal contract as the embedded backend.
		if err := client.DeleteCollection(ctx, collection); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("reset collection %s: %w", collection, err)
		}
	}
	err = client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create collection %s: %w", collection, err)
	}

	logger.Info(ctx, "qdrant index ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", collection))
	return &qdrantIndex{client: client, collection: collection}, nil
}

func (q *qdrantIndex) Add(ctx context.Context, h *heuristic.Heuristic) error {
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(h.ID),
		Vectors: qdrant.NewVectors(h.ConditionEmbedding...),
		Payload: map[string]*qdrant.Value{
			"name":   {Kind: &qdrant.Value_StringValue{StringValue: h.Name}},
			"origin": {Kind: &qdrant.Value_StringValue{StringValue: string(h.Origin)}},
		},
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

func (q *qdrantIndex) Remove(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewIDUUID(id)},
				},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete point: %w", err)
	}
	return nil
}

func (q *qdrantIndex) Query(ctx context.Context, vec []float32, k int) ([]indexHit, error) {
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	hits := make([]indexHit, 0, len(results))
	for _, r := range results {
		id := r.GetId().GetUuid()
		if id == "" {
			continue
		}
		hits = append(hits, indexHit{ID: id, Similarity: float64(r.GetScore())})
	}
	return hits, nil
}

func (q *qdrantIndex) Close() error {
	return q.client.Close()
}
