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

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithClient adds client_id context to logger.
func (l *Logger) WithClient(clientID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("client_id", clientID).Logger(),
	}
}

// WithContent adds content context to logger.
func (l *Logger) WithContent(contentID string, totalSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("content_id", contentID).
			Int64("total_size", totalSize).
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

// SessionJoined logs a successful session join.
func (l *Logger) SessionJoined(sessionID, clientID, clientName string, memberCount int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("client_id", clientID).
		Str("client_name", clientName).
		Int("member_count", memberCount).
		Msg("client joined session")
}

// SessionLeft logs a client leaving a session.
func (l *Logger) SessionLeft(sessionID, clientID string, memberCount int) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("client_id", clientID).
		Int("member_count", memberCount).
		Msg("client left session")
}

// SessionExpired logs removal of an idle session.
func (l *Logger) SessionExpired(sessionID string, idle time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Float64("idle_seconds", idle.Seconds()).
		Msg("idle session expired")
}

// JoinRejected logs a rejected join attempt.
func (l *Logger) JoinRejected(sessionID, clientID, reason string) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Str("client_id", clientID).
		Str("reason", reason).
		Msg("join rejected")
}

// ContentPublished logs metadata persistence for new content.
func (l *Logger) ContentPublished(sessionID, contentID string, totalSize int64, totalChunks int, largeFile bool) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("content_id", contentID).
		Int64("total_size", totalSize).
		Int("total_chunks", totalChunks).
		Bool("large_file", largeFile).
		Msg("content published")
}

// ChunkPersisted logs a persisted chunk.
func (l *Logger) ChunkPersisted(contentID string, chunkIndex int, size int) {
	l.logger.Debug().
		Str("content_id", contentID).
		Int("chunk_index", chunkIndex).
		Int("chunk_size", size).
		Msg("chunk persisted")
}

// ContentComplete logs completion of a content item.
func (l *Logger) ContentComplete(contentID string, totalChunks int) {
	l.logger.Info().
		Str("content_id", contentID).
		Int("total_chunks", totalChunks).
		Msg("content complete")
}

// ContentEvicted logs eviction of content during a cleanup sweep.
func (l *Logger) ContentEvicted(sessionID string, removed []string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Strs("removed", removed).
		Int("removed_count", len(removed)).
		Msg("content evicted")
}

// DownloadServed logs a completed download stream.
func (l *Logger) DownloadServed(contentID string, bytesSent int64, duration time.Duration) {
	l.logger.Info().
		Str("content_id", contentID).
		Int64("bytes_sent", bytesSent).
		Float64("duration_seconds", duration.Seconds()).
		Msg("download served")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("websocket connection established")
}

// ConnectionClosed logs connection teardown.
func (l *Logger) ConnectionClosed(connectionID string, duration time.Duration) {
	l.logger.Info().
		Str("connection_id", connectionID).
		Float64("duration_seconds", duration.Seconds()).
		Msg("websocket connection closed")
}

// HandlerError logs an unexpected handler failure with correlation info.
func (l *Logger) HandlerError(err error, connectionID, sessionID, event, correlationID string) {
	l.logger.Error().
		Err(err).
		Str("connection_id", connectionID).
		Str("session_id", sessionID).
		Str("event", event).
		Str("correlation_id", correlationID).
		Msg("event handler failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
