package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opencustody/custody_service/api"
	"github.com/opencustody/custody_service/chain"
	"github.com/opencustody/custody_service/config"
	"github.com/opencustody/custody_service/db"
	"github.com/opencustody/custody_service/domain"
	"github.com/opencustody/custody_service/ledger"
	"github.com/opencustody/custody_service/repository"
	"github.com/opencustody/custody_service/service"
	"github.com/opencustody/custody_service/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongo, err := db.NewMongoRepo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		logger.WithError(err).Fatal("connect mongo")
	}
	defer mongo.Close(context.Background())

	seedRepo := repository.NewSeedRepo(mongo)
	walletRepo := repository.NewWalletRepo(mongo)
	commonRepo := repository.NewCommonAccountRepo(mongo)
	transferRepo := repository.NewTransferRepo(mongo)
	ledgerStore := ledger.NewMongoStore(mongo)

	btcNode, err := chain.NewRPCNode(cfg.Btc)
	if err != nil {
		logger.WithError(err).Fatal("btc node")
	}
	ethChain, err := chain.NewETHChain(cfg.Eth)
	if err != nil {
		logger.WithError(err).Fatal("eth node")
	}
	deriver := domain.NewDeriver(
		chain.NewBTCChain(btcNode, cfg.Btc),
		ethChain,
		chain.NewSOLChain(chain.NewHTTPSolanaRPC(cfg.Sol)),
	)

	keystore := domain.NewKeystore(seedRepo, cfg.MasterKEK)

	orchestrator := transfer.New(transfer.Options{
		Adapters: deriver,
		Seeds:    keystore,
		Ledger:   ledgerStore,
		Results:  transferRepo,
		Wallets:  walletRepo,
		Commons:  commonRepo,
		Logger:   logger,
	})

	custody := service.NewCustodyService(
		keystore, deriver, walletRepo, commonRepo, transferRepo, ledgerStore, orchestrator, logger,
	)

	if err := custody.EnsureCommonAccounts(ctx); err != nil {
		logger.WithError(err).Fatal("provision common accounts")
	}

	handler := api.NewCustodyHandler(custody)

	r := gin.Default()
	r.POST("/wallet/:userID", handler.Onboard)
	r.GET("/wallet/:userID/addresses", handler.GetAddresses)
	r.GET("/wallet/:userID/balance", handler.GetBalance)
	r.POST("/wallet/:userID/transfer", handler.InitiateTransfer)
	r.GET("/wallet/:userID/transfers", handler.GetTransfers)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	reconciler := transfer.NewReconciler(transferRepo, ledgerStore, logger, cfg.ReconcileTick)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := reconciler.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Fatal("server exited")
	}
}
