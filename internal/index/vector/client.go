package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/pkg/config"
)

var (
	ErrIndexUnavailable = errors.New("vector index unavailable")
	ErrIndexTimeout     = errors.New("vector index timeout")
)

// Neighbor is one nearest-neighbour hit. Distance is the raw metric value;
// the engine converts it to a similarity score.
type Neighbor struct {
	ID       string
	Distance float32
}

// Client performs nearest-neighbour lookups against a Milvus collection of
// knowledge chunks.
type Client struct {
	client         client.Client
	collectionName string
	timeout        time.Duration
	logger         *zap.Logger
}

func NewClient(cfg config.IndexConfig, logger *zap.Logger) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	logger.Info("Vector index client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		timeout:        timeout,
		logger:         logger,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Nearest runs an ANN search and returns up to topK neighbours ordered by
// ascending distance.
func (c *Client) Nearest(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]Neighbor, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	expr := filterExpr(filters)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := c.client.Search(
		callCtx,
		c.collectionName,
		[]string{},
		expr,
		[]string{"item_id"},
		[]entity.Vector{entity.FloatVector(vector)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrIndexTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	neighbors := make([]Neighbor, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("item_id")
		for i := 0; i < sr.ResultCount; i++ {
			id, err := idCol.Get(i)
			if err != nil {
				continue
			}
			neighbors = append(neighbors, Neighbor{
				ID:       id.(string),
				Distance: sr.Scores[i],
			})
		}
	}

	c.logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(neighbors)),
		zap.String("filters", expr),
	)

	return neighbors, nil
}

// filterExpr builds the boolean expression for the search call. Filter values
// are caller input, so quotes and backslashes are escaped before they reach
// the expression.
func filterExpr(filters map[string]string) string {
	topic := filters["topic"]
	if topic == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(topic)
	return fmt.Sprintf(`topic == "%s"`, escaped)
}
