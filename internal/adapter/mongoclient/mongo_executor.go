// Package mongoclient provides the reference MongoExecutor the MongoDB
// intent retriever runs aggregation pipelines through, using the
// official mongo-driver.
package mongoclient

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Executor runs an aggregation pipeline against one collection.
type Executor struct {
	database *mongo.Database
}

func NewExecutor(database *mongo.Database) *Executor {
	return &Executor{database: database}
}

func (e *Executor) Aggregate(ctx context.Context, collection string, pipeline []map[string]any) ([]map[string]any, error) {
	stages := make(bson.A, len(pipeline))
	for i, stage := range pipeline {
		stages[i] = stage
	}

	cursor, err := e.database.Collection(collection).Aggregate(ctx, stages)
	if err != nil {
		return nil, fmt.Errorf("run aggregation: %w", err)
	}
	defer cursor.Close(ctx)

	var out []map[string]any
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode aggregation results: %w", err)
	}
	return out, nil
}
