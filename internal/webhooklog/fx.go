package webhooklog

import (
	"github.com/smallbiznis/waingest/internal/webhooklog/repository"
	"github.com/smallbiznis/waingest/internal/webhooklog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhooklog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
