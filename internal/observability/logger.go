package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithLayout adds layout_id context to the logger.
func (l *Logger) WithLayout(layoutID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("layout_id", layoutID).Logger(),
	}
}

// WithFile adds file context to the logger.
func (l *Logger) WithFile(fileID string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_id", fileID).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// CollectionStarted logs the start of a collection cycle.
func (l *Logger) CollectionStarted(cycleID string) {
	l.logger.Info().
		Str("cycle_id", cycleID).
		Msg("collection cycle started")
}

// CollectionFinished logs the end of a collection cycle.
func (l *Logger) CollectionFinished(cycleID string, duration time.Duration, filesEnqueued int) {
	l.logger.Info().
		Str("cycle_id", cycleID).
		Float64("duration_seconds", duration.Seconds()).
		Int("files_enqueued", filesEnqueued).
		Msg("collection cycle finished")
}

// LayoutStarted logs a layout-started event.
func (l *Logger) LayoutStarted(layoutID string, replay bool) {
	l.logger.Info().
		Str("layout_id", layoutID).
		Bool("replay", replay).
		Msg("layout started")
}

// LayoutEnded logs a layout-ended event.
func (l *Logger) LayoutEnded(layoutID, reason string) {
	l.logger.Info().
		Str("layout_id", layoutID).
		Str("reason", reason).
		Msg("layout ended")
}

// ChunkStored logs a chunk becoming durable in the cache.
func (l *Logger) ChunkStored(fileID string, index, numChunks int) {
	l.logger.Debug().
		Str("file_id", fileID).
		Int("chunk_index", index).
		Int("num_chunks", numChunks).
		Msg("chunk stored")
}

// DownloadFailed logs a failed download task.
func (l *Logger) DownloadFailed(fileID string, consecutiveFailures int, err error) {
	l.logger.Error().
		Str("file_id", fileID).
		Int("consecutive_failures", consecutiveFailures).
		Err(err).
		Msg("download failed")
}

// LayoutBlacklisted logs a layout being blacklisted for the session.
func (l *Logger) LayoutBlacklisted(layoutID, reason string) {
	l.logger.Warn().
		Str("layout_id", layoutID).
		Str("reason", reason).
		Msg("layout blacklisted for session")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
