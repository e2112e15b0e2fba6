package ledger

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opencustody/custody_service/db"
	"github.com/opencustody/custody_service/entity"
)

// MongoStore keeps one document per (owner, asset). Single-document
// updates are atomic in Mongo, which gives TryDebit its compare-and-set
// semantics without any application-side lock.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(repo *db.MongoRepo) *MongoStore {
	return &MongoStore{col: repo.LedgerColl}
}

func (s *MongoStore) Balance(ctx context.Context, owner, asset string) (int64, error) {
	var entry entity.LedgerEntry
	err := s.col.FindOne(ctx, bson.M{"owner": owner, "asset": asset}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return entry.Balance, nil
}

func (s *MongoStore) TryDebit(ctx context.Context, owner, asset string, amount int64) (bool, error) {
	if err := checkDebitAmount(amount); err != nil {
		return false, err
	}
	// The balance >= amount condition lives in the filter, so the check
	// and the decrement are one atomic document update.
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"owner": owner, "asset": asset, "balance": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"balance": -amount}},
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) Credit(ctx context.Context, owner, asset string, amount int64) error {
	if err := checkCreditAmount(amount); err != nil {
		return err
	}
	_, err := s.col.UpdateOne(ctx,
		bson.M{"owner": owner, "asset": asset},
		bson.M{"$inc": bson.M{"balance": amount}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) CreditOnce(ctx context.Context, owner, asset string, amount int64, ref string) (bool, error) {
	if err := checkCreditAmount(amount); err != nil {
		return false, err
	}
	if err := checkCreditRef(ref); err != nil {
		return false, err
	}
	// applied_refs lives in the same document as the balance, so the dedup
	// check and the increment are one atomic write.
	res, err := s.col.UpdateOne(ctx,
		bson.M{"owner": owner, "asset": asset, "applied_refs": bson.M{"$ne": ref}},
		bson.M{
			"$inc":  bson.M{"balance": amount},
			"$push": bson.M{"applied_refs": ref},
		},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// The document exists with ref already applied: the filter missed
		// and the upsert insert hit the unique (owner, asset) index.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
}
