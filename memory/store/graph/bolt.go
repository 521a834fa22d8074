package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// boltConnect is the production connector: dials the bolt URI and
// verifies connectivity before handing back a querier.
func boltConnect(ctx context.Context, cfg Config) (querier, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify connectivity: %w", err)
	}
	return &boltQuerier{driver: driver, database: cfg.Database}, nil
}

// boltQuerier runs each statement in an ephemeral session against the
// driver's connection pool.
type boltQuerier struct {
	driver   neo4j.DriverWithContext
	database string
}

func (b *boltQuerier) Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, record.AsMap())
	}
	return rows, nil
}

func (b *boltQuerier) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}
