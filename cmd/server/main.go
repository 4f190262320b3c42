package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"koinonia-backend/internal/account"
	"koinonia-backend/internal/photos"
	"koinonia-backend/internal/server"
	"koinonia-backend/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	serverCfg := server.EnvConfig{}
	if err := env.Parse(&serverCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	photosCfg := photos.Config{}
	if err := env.Parse(&photosCfg); err != nil {
		sugar.Fatalf("Cannot parse photo storage env config: %v", err)
	}

	store, err := storage.New(context.Background(), sugar, storageCfg, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	photoStore, err := photos.New(sugar, photosCfg)
	if err != nil {
		sugar.Fatalf("Cannot create photo store instance: %v", err)
	}

	deleter := account.New(sugar, store, photoStore)

	serverOpts := []server.Option{
		server.WithEnvConfig(serverCfg),
		server.ReadTimeout(5 * time.Second),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.New(sugar, store, store, deleter, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
