package cmd

import (
	"fmt"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/internal/envelope"
	"github.com/jmehdipour/txbus/internal/logger"
	"github.com/jmehdipour/txbus/internal/model"
	"github.com/jmehdipour/txbus/internal/repository"
	"github.com/jmehdipour/txbus/internal/service/transition"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type seedTransaction struct {
	amount       string
	currency     string
	counterparty string
	path         []model.Status
}

// demo transactions, each walked along a legal path so the outbox has events to publish
var seedTransactions = []seedTransaction{
	{"125.50", "USD", "ACC-1001", []model.Status{model.StatusProcessing, model.StatusSettlementInProgress, model.StatusCompleted}},
	{"15000.00", "EUR", "ACC-1002", []model.Status{model.StatusProcessing, model.StatusAwaitingApproval}},
	{"42.00", "GBP", "ACC-1001", []model.Status{model.StatusRejected}},
	{"980.10", "USD", "ACC-1003", []model.Status{model.StatusProcessing, model.StatusFailed}},
	{"10.00", "JPY", "", nil},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo transactions and walk them through their lifecycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logger.New(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		svc := transition.New(
			sqlDB,
			repository.NewTransactionsRepository(sqlDB),
			repository.NewOutboxRepository(sqlDB),
			envelope.NewBuilder(),
			log.Named("transition"),
		)
		svc.CommitTimeout = cfg.Transition.CommitTimeout

		ctx := cmd.Context()
		events := 0
		for _, s := range seedTransactions {
			in := transition.CreateInput{
				Amount:   decimal.RequireFromString(s.amount),
				Currency: s.currency,
			}
			if s.counterparty != "" {
				cp := s.counterparty
				in.CounterpartyAccountID = &cp
			}
			tx, err := svc.Create(ctx, in)
			if err != nil {
				return fmt.Errorf("create transaction: %w", err)
			}

			from := tx.Status
			for _, to := range s.path {
				if _, err := svc.CommitTransition(ctx, tx.ID, from, to); err != nil {
					return fmt.Errorf("transition %s %s -> %s: %w", tx.ID, from, to, err)
				}
				from = to
				events++
			}
			log.Info("seeded transaction", zap.String("id", tx.ID), zap.Stringer("status", from))
		}

		log.Info("seed completed", zap.Int("transactions", len(seedTransactions)), zap.Int("events", events))
		return nil
	},
}
