package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/faktur/internal/clock"
	"github.com/smallbiznis/faktur/internal/config"
	"github.com/smallbiznis/faktur/internal/customer"
	"github.com/smallbiznis/faktur/internal/invoice"
	"github.com/smallbiznis/faktur/internal/logger"
	"github.com/smallbiznis/faktur/internal/migration"
	"github.com/smallbiznis/faktur/internal/outbox"
	"github.com/smallbiznis/faktur/internal/payment"
	"github.com/smallbiznis/faktur/internal/recurring"
	"github.com/smallbiznis/faktur/internal/scheduler"
	"github.com/smallbiznis/faktur/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		customer.Module,
		invoice.Module,
		payment.Module,
		recurring.Module,
		outbox.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
