package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/alert"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/conversation"
	"github.com/smallbiznis/waingest/internal/inbound"
	"github.com/smallbiznis/waingest/internal/instance"
	"github.com/smallbiznis/waingest/internal/migration"
	"github.com/smallbiznis/waingest/internal/observability"
	"github.com/smallbiznis/waingest/internal/providers"
	"github.com/smallbiznis/waingest/internal/ratelimit"
	"github.com/smallbiznis/waingest/internal/realtime"
	"github.com/smallbiznis/waingest/internal/retry"
	"github.com/smallbiznis/waingest/internal/server"
	"github.com/smallbiznis/waingest/internal/webhooklog"
	"github.com/smallbiznis/waingest/pkg/db"
	"github.com/smallbiznis/waingest/pkg/redisconn"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		redisconn.Module,
		clock.Module,

		// Functional Domains
		webhooklog.Module,
		instance.Module,
		conversation.Module,
		inbound.Module,
		realtime.Module,
		providers.Module,
		alert.Module,
		ratelimit.Module,
		retry.Module,
		retry.Embedded,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
