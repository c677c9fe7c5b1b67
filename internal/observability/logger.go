package observability

import (
	"github.com/danmuck/mediactl/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger configures the process logger and tags it with app.
func InitLogger(app string) zerolog.Logger {
	return logging.ConfigureRuntime().With().Str("app", app).Logger()
}
