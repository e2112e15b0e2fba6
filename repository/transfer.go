package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opencustody/custody_service/db"
	"github.com/opencustody/custody_service/entity"
)

// Transfers is the append-only audit log of orchestrations. Rows stuck in
// ON_CHAIN_SUBMITTED or flagged compensation_due double as durable retry
// markers for the reconciler.
type Transfers struct {
	col *mongo.Collection
}

func NewTransferRepo(repo *db.MongoRepo) *Transfers {
	return &Transfers{col: repo.TransferColl}
}

func (r *Transfers) Create(ctx context.Context, res *entity.TransferResult) (string, error) {
	res.CreatedAt = time.Now()
	res.UpdatedAt = res.CreatedAt
	out, err := r.col.InsertOne(ctx, res)
	if err != nil {
		return "", err
	}
	objectID := out.InsertedID.(primitive.ObjectID)
	res.ID = objectID.Hex()
	return res.ID, nil
}

func (r *Transfers) Update(ctx context.Context, res *entity.TransferResult) error {
	objectID, err := primitive.ObjectIDFromHex(res.ID)
	if err != nil {
		return err
	}
	res.UpdatedAt = time.Now()
	_, err = r.col.UpdateOne(ctx,
		bson.M{"_id": objectID},
		bson.M{"$set": bson.M{
			"tx_ref":           res.TxRef,
			"state":            res.State,
			"ledger_applied":   res.LedgerApplied,
			"tx_unknown":       res.TxUnknown,
			"compensation_due": res.CompensationDue,
			"updated_at":       res.UpdatedAt,
		}},
	)
	return err
}

// ListPendingReconcile returns results whose ledger side still has to be
// applied: submitted deposits without a credit, and failed withdrawals
// whose compensation credit has not stuck yet.
func (r *Transfers) ListPendingReconcile(ctx context.Context, limit int64) ([]*entity.TransferResult, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{
			"direction":      entity.DirectionDeposit,
			"state":          entity.StateOnChainSub,
			"ledger_applied": false,
			"tx_unknown":     false,
		},
		bson.M{"compensation_due": true},
	}}

	opts := options.Find().SetSort(bson.M{"created_at": 1})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*entity.TransferResult
	for cur.Next(ctx) {
		var res entity.TransferResult
		if err := cur.Decode(&res); err == nil {
			out = append(out, &res)
		}
	}
	return out, cur.Err()
}

// ListByUser returns the user's audit trail, newest first.
func (r *Transfers) ListByUser(ctx context.Context, userID string) ([]*entity.TransferResult, error) {
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	cur, err := r.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*entity.TransferResult
	for cur.Next(ctx) {
		var res entity.TransferResult
		if err := cur.Decode(&res); err == nil {
			out = append(out, &res)
		}
	}
	return out, cur.Err()
}

// ListUnknownSubmissions returns submissions whose outcome timed out and
// still awaits resolution against observed chain state.
func (r *Transfers) ListUnknownSubmissions(ctx context.Context) ([]*entity.TransferResult, error) {
	cur, err := r.col.Find(ctx, bson.M{"tx_unknown": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*entity.TransferResult
	for cur.Next(ctx) {
		var res entity.TransferResult
		if err := cur.Decode(&res); err == nil {
			out = append(out, &res)
		}
	}
	return out, cur.Err()
}
