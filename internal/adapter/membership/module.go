package membership

import (
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module("membership",
	fx.Provide(
		NewInMemory,
		// The breaker wrap is a no-op for the in-process store but keeps the
		// router's failure handling identical when an external store is
		// swapped in.
		fx.Annotate(
			func(s *InMemory, log *slog.Logger) Storer {
				return NewBreakerMiddleware(s, log)
			},
			fx.As(new(Storer)),
		),
	),
)
