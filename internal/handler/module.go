package handler

import (
	"go.uber.org/fx"

	"github.com/webitel/conn-runtime/internal/conn"
)

var Module = fx.Module("handler",
	fx.Provide(
		fx.Annotate(
			NewDelivery,
			fx.As(new(conn.Handler)),
		),
	),
)
