package invoice

import (
	"github.com/smallbiznis/faktur/internal/invoice/numbering"
	"github.com/smallbiznis/faktur/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(numbering.NewGenerator),
	fx.Provide(service.NewService),
)
