package inbound

import (
	"github.com/smallbiznis/waingest/internal/inbound/normalizer"
	"github.com/smallbiznis/waingest/internal/inbound/service"
	"github.com/smallbiznis/waingest/internal/inbound/signature"
	"go.uber.org/fx"
)

var Module = fx.Module("inbound.service",
	fx.Provide(signature.New),
	fx.Provide(normalizer.New),
	fx.Provide(service.New),
)
