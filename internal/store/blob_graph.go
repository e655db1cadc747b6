package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// BlobGraphStore keeps flow graph documents in a gocloud bucket (S3, local
// directory or memory), one <prefix><id>.json object per graph.
type BlobGraphStore struct {
	bucket *blob.Bucket
	prefix string
}

var _ GraphStore = (*BlobGraphStore)(nil)

// NewBlobGraphStore opens bucketURL, e.g. "s3://flows?region=ap-south-1",
// "file:///var/lib/flowpipe/flows" or "mem://".
func NewBlobGraphStore(ctx context.Context, bucketURL, prefix string) (*BlobGraphStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph bucket: %w", err)
	}
	slog.Debug("NewBlobGraphStore: bucket opened", "url", bucketURL, "prefix", prefix)
	return &BlobGraphStore{bucket: bucket, prefix: prefix}, nil
}

func (s *BlobGraphStore) keyFor(id string) string {
	return s.prefix + id + ".json"
}

func (s *BlobGraphStore) GetGraph(ctx context.Context, id string) (*models.FlowGraph, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, models.NewNotFound("graph", id)
		}
		return nil, fmt.Errorf("failed to read graph %s: %w", id, err)
	}
	return models.ParseGraph(data)
}

func (s *BlobGraphStore) ListGraphs(ctx context.Context, kind models.GraphKind) ([]models.FlowGraph, error) {
	var graphs []models.FlowGraph
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list graphs: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", obj.Key, err)
		}
		g, err := models.ParseGraph(data)
		if err != nil {
			slog.Warn("BlobGraphStore.ListGraphs: skipping invalid graph", "key", obj.Key, "error", err)
			continue
		}
		if kind == "" || g.Kind == kind {
			graphs = append(graphs, *g)
		}
	}
	return graphs, nil
}

func (s *BlobGraphStore) PutGraph(ctx context.Context, g *models.FlowGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	data, err := g.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode graph %s: %w", g.ID, err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.keyFor(g.ID), data, opts); err != nil {
		return fmt.Errorf("failed to write graph %s: %w", g.ID, err)
	}
	slog.Debug("BlobGraphStore.PutGraph succeeded", "graph", g.ID)
	return nil
}

func (s *BlobGraphStore) Close() error {
	return s.bucket.Close()
}
