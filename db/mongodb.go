package db

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoRepo struct {
	Client       *mongo.Client
	DB           *mongo.Database
	SeedColl     *mongo.Collection
	WalletColl   *mongo.Collection
	CommonColl   *mongo.Collection
	LedgerColl   *mongo.Collection
	TransferColl *mongo.Collection
}

// NewMongoRepo connects and pings. The handle is passed down explicitly;
// lifecycle belongs to main, not to package import.
func NewMongoRepo(ctx context.Context, uri, dbName string) (*MongoRepo, error) {
	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}
	ctx2, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx2, nil); err != nil {
		return nil, err
	}
	db := client.Database(dbName)
	return &MongoRepo{
		Client:       client,
		DB:           db,
		SeedColl:     db.Collection("seeds"),
		WalletColl:   db.Collection("wallets"),
		CommonColl:   db.Collection("common_accounts"),
		LedgerColl:   db.Collection("ledger"),
		TransferColl: db.Collection("transfers"),
	}, nil
}

func (r *MongoRepo) Close(ctx context.Context) error {
	return r.Client.Disconnect(ctx)
}
