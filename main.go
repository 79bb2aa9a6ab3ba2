package main

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"platform-core/internal/api"
	"platform-core/internal/engine"
	"platform-core/internal/events"
	"platform-core/internal/ledger"
	"platform-core/internal/monitor"
	"platform-core/internal/outcome"
	"platform-core/internal/referral"
	"platform-core/internal/transfer"
	"platform-core/pkg/config"
	"platform-core/pkg/db"
	"platform-core/pkg/logger"
	"platform-core/pkg/nodeid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}); err != nil {
		logrus.Fatalf("failed to init logger: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	logrus.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"db":      cfg.DBPath,
		"version": buildVersion,
	}).Info("starting platform core")

	// Core services
	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logrus.Fatalf("failed to apply migrations: %v", err)
	}
	queries := database.Queries()

	sysMetrics := monitor.NewSystemMetrics()
	locks := ledger.NewLocks()
	ledgerSvc := ledger.New(queries, locks, cfg.Settlement.MaxAttempts)

	payoutMultiplier, err := decimal.NewFromString(cfg.Settlement.PayoutMultiplier)
	if err != nil {
		logrus.Fatalf("invalid payout multiplier %q: %v", cfg.Settlement.PayoutMultiplier, err)
	}
	referralCommission, err := decimal.NewFromString(cfg.ReferralCommission)
	if err != nil {
		logrus.Fatalf("invalid referral commission %q: %v", cfg.ReferralCommission, err)
	}

	resolver := outcome.NewResolver(queries, cfg.Settlement.WinProbability,
		rand.NewSource(time.Now().UnixNano()))

	engService := engine.NewImpl(engine.Config{
		Store:            queries,
		Resolver:         resolver,
		Locks:            locks,
		Bus:              bus,
		Metrics:          sysMetrics,
		PayoutMultiplier: payoutMultiplier,
		MaxAttempts:      cfg.Settlement.MaxAttempts,
		RetryBackoff:     time.Duration(cfg.Settlement.RetryBackoffMs) * time.Millisecond,
		NodeID:           nodeid.Get(),
		Version:          buildVersion,
	})

	tokens := make([]string, 0, len(cfg.DepositWallets))
	for token := range cfg.DepositWallets {
		tokens = append(tokens, token)
	}
	transferSvc := transfer.NewService(queries, locks, bus, sysMetrics, tokens)
	referralSvc := referral.NewService(queries, locks, referralCommission)

	server := api.NewServer(api.Deps{
		Bus:         bus,
		Queries:     queries,
		Engine:      engService,
		Transfers:   transferSvc,
		Referrals:   referralSvc,
		Ledger:      ledgerSvc,
		Metrics:     sysMetrics,
		JWTSecret:   cfg.JWTSecret,
		TokenTTL:    time.Duration(cfg.TokenTTLHours) * time.Hour,
		AdminEmails: cfg.AdminEmails,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logrus.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("shutting down")
}
