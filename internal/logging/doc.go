// Package logging provides structured logging for foreman.
//
// The package wraps log/slog with a JSON handler. Loggers carry persistent
// attributes so that every line written while running a task or a shell
// command can be traced back to its project, task and queue category.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/foreman/foreman.log", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("dispatcher started", "categories", 6)
//
// An empty path writes to stderr.
//
// # Context Propagation
//
//	taskLog := logger.WithCategory("pm").WithTask(t.ID).WithProject(t.Context.ProjectPath)
//	taskLog.Warn("attempt failed", "attempt", 2)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"attempt failed","category":"pm","task_id":"...","project_path":"...","attempt":2}
//
// # Rotation
//
// When a log file is configured, writes go through a [RotatingWriter] which
// renames the file to foreman.log.1 once it exceeds MaxSizeMB and keeps at
// most MaxBackups older files, optionally gzip compressed.
//
// # Reading Logs Back
//
// [ReadLogFile] parses a log file (and its rotated backups) into [LogEntry]
// values; [FilterLogs] narrows them by level, time window, project, task or
// category. The `foreman logs` command is built on these helpers.
//
// # Testing
//
// Use [NopLogger] to discard output.
package logging
