package redisq

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/Iron-Ham/foreman/internal/logging"
)

// asynqLogger routes asynq's internal logging into a foreman Logger.
type asynqLogger struct {
	logger *logging.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }

// Fatal logs at error level. asynq only calls it for unrecoverable server
// states, which Close reports on its own.
func (l asynqLogger) Fatal(args ...any) { l.logger.Error(fmt.Sprint(args...), "fatal", true) }

var _ asynq.Logger = asynqLogger{}
