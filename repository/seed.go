package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/opencustody/custody_service/db"
	"github.com/opencustody/custody_service/entity"
)

type Seeds struct {
	col *mongo.Collection
}

func NewSeedRepo(repo *db.MongoRepo) *Seeds {
	return &Seeds{col: repo.SeedColl}
}

func (r *Seeds) Create(ctx context.Context, rec *entity.SeedRecord) error {
	_, err := r.col.InsertOne(ctx, rec)
	return err
}

func (r *Seeds) GetByUserID(ctx context.Context, userID string) (*entity.SeedRecord, error) {
	var rec entity.SeedRecord
	err := r.col.FindOne(ctx, bson.M{"user_id": userID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
