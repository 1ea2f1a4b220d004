package runtime

import (
	"log/slog"

	"github.com/aclgate/aclgate/internal/config"
	logging "github.com/aclgate/aclgate/internal/logging"
)

// Options carries the global CLI flags shared by every subcommand, the
// same role the teacher's runtime.Options plays for the relay/agent
// subcommands.
type Options struct {
	JSONLogs bool
	LogLevel string
	Env      string

	logger *logging.Logger
}

// SetupLogger builds the structured logger from the current flag values.
func (o *Options) SetupLogger() error {
	// ACLGATE_JSON_LOGS lets an operator flip log format without
	// re-invoking the CLI, the same env-overrides-flag precedence
	// internal/config uses everywhere else.
	jsonLogs := config.GetBoolEnv("ACLGATE_JSON_LOGS", o.JSONLogs)
	format := logging.FormatText
	if jsonLogs {
		format = logging.FormatJSON
	}
	l, err := logging.New(logging.Config{
		Format:      format,
		Level:       o.LogLevel,
		ServiceName: "aclgate",
		Environment: o.Env,
	})
	if err != nil {
		return err
	}
	o.logger = l
	return nil
}

// Logger returns the base *slog.Logger, or nil if SetupLogger has not run.
func (o *Options) Logger() *slog.Logger {
	if o.logger == nil {
		return nil
	}
	return o.logger.Logger
}

// StructuredLogger returns the richer wrapper (WithComponent/WithConn/WithContext).
func (o *Options) StructuredLogger() *logging.Logger {
	return o.logger
}
