package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/opencustody/custody_service/db"
	"github.com/opencustody/custody_service/entity"
)

type Wallets struct {
	col *mongo.Collection
}

func NewWalletRepo(repo *db.MongoRepo) *Wallets {
	return &Wallets{col: repo.WalletColl}
}

func (r *Wallets) Create(ctx context.Context, w *entity.ChainWallet) error {
	_, err := r.col.InsertOne(ctx, w)
	return err
}

func (r *Wallets) GetByUserChain(ctx context.Context, userID, chain string) (*entity.ChainWallet, error) {
	var w entity.ChainWallet
	err := r.col.FindOne(ctx, bson.M{"user_id": userID, "chain": chain}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Wallets) GetByUserID(ctx context.Context, userID string) ([]*entity.ChainWallet, error) {
	cur, err := r.col.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*entity.ChainWallet
	for cur.Next(ctx) {
		var w entity.ChainWallet
		if err := cur.Decode(&w); err == nil {
			out = append(out, &w)
		}
	}
	return out, cur.Err()
}
