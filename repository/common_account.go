package repository

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opencustody/custody_service/db"
	"github.com/opencustody/custody_service/entity"
)

type CommonAccounts struct {
	col *mongo.Collection
}

func NewCommonAccountRepo(repo *db.MongoRepo) *CommonAccounts {
	return &CommonAccounts{col: repo.CommonColl}
}

// Upsert keeps one pooled account row per chain. Rotation is out-of-band,
// so overwriting the address is an operator action, not normal flow.
func (r *CommonAccounts) Upsert(ctx context.Context, acct *entity.CommonAccount) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"chain": acct.Chain},
		bson.M{"$set": bson.M{"address": acct.Address, "created_at": acct.CreatedAt}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *CommonAccounts) GetByChain(ctx context.Context, chain string) (*entity.CommonAccount, error) {
	var acct entity.CommonAccount
	err := r.col.FindOne(ctx, bson.M{"chain": chain}).Decode(&acct)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}
