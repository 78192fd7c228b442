package logging

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"

	"ponte/writer"
)

var logger *slog.Logger

// Predefined styles for formatting verbose log output.
var (
	methodStyle    = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()
	detailStyle    = color.New(color.FgHiWhite, color.BgRed).SprintFunc()
	boldWhiteStyle = color.New(color.FgWhite, color.Bold).SprintFunc()
	urlStyle       = color.New(color.FgHiWhite, color.BgHiCyan).SprintFunc()
	headersStyle   = color.New(color.FgHiWhite, color.BgHiMagenta).SprintFunc()
	statusStyle    = color.New(color.FgHiWhite, color.BgYellow).SprintFunc()
	warningStyle   = color.New(color.FgHiWhite, color.BgMagenta).SprintFunc()
)

// InitializeLogger initializes a new logger with the specified log level.
func InitializeLogger(level string) *slog.Logger {
	levelVar := new(slog.LevelVar)

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	levelVar.Set(logLevel)

	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: levelVar})
	logger = slog.New(handler)
	return logger
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	if logger == nil {
		logger = InitializeLogger("info")
	}
	return logger
}

// LogRequestCompact logs one processed request as a single structured line.
func LogRequestCompact(logger *slog.Logger, r *http.Request, routeID, principal string, statusCode int, bytesWritten int64, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}

	logger.Info("Request processed",
		slog.String("client_ip", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route_id", routeID),
		slog.String("principal", principal),
		slog.String("request_id", r.Header.Get("X-Request-Id")),
		slog.Int("status_code", statusCode),
		slog.Int64("bytes_written", bytesWritten),
		slog.Float64("duration_seconds", duration.Seconds()),
	)
}

// LogRequestVerbose logs a full request/response dump for debugging.
// Streamed bodies are represented by their byte count only.
func LogRequestVerbose(logger *slog.Logger, r *http.Request, routeID string, lrw *writer.ResponseWriter, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Request Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %s\n", methodStyle("Method:"), boldWhiteStyle(r.Method)))
	sb.WriteString(fmt.Sprintf("%s: %s\n", urlStyle("URL:"), boldWhiteStyle(r.URL.String())))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", boldWhiteStyle("Route:"), routeID))

	sb.WriteString(headersStyle("Request Headers:"))
	sb.WriteString("\n")
	for name, values := range r.Header {
		for _, h := range values {
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", boldWhiteStyle(name), h))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Response Details ----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %d\n", statusStyle("Status Code:"), lrw.StatusCode))
	sb.WriteString(fmt.Sprintf("%s: %s\n", boldWhiteStyle("Content-Type:"), lrw.ContentType()))
	sb.WriteString(fmt.Sprintf("%s: %d bytes\n", boldWhiteStyle("Total Bytes Written:"), lrw.BytesWritten))
	sb.WriteString(fmt.Sprintf("%s: %.6f seconds\n\n", boldWhiteStyle("Response Time:"), duration.Seconds()))

	if lrw.IsStreaming() {
		sb.WriteString(fmt.Sprintf("%s: [STREAMING - body not captured]\n", statusStyle("Body:")))
	} else if lrw.CaptureTruncated() {
		sb.WriteString(fmt.Sprintf("%s:\n\t%s\n", statusStyle("Body (Truncated):"), string(lrw.CapturedBody())))
		sb.WriteString(fmt.Sprintf("%s: body capture truncated at %d bytes\n", warningStyle("WARNING:"), len(lrw.CapturedBody())))
	} else {
		sb.WriteString(fmt.Sprintf("%s:\n\t%s\n", statusStyle("Body:"), string(lrw.CapturedBody())))
	}

	sb.WriteString("\n")
	sb.WriteString(detailStyle("---------------------------------------"))

	logger.Debug("Verbose request details", slog.String("formatted_output", sb.String()))
}

// LogWebSocketMessage logs the details of a proxied WebSocket message.
func LogWebSocketMessage(logger *slog.Logger, messageType int, message []byte, err error, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}

	attrs := []any{
		slog.String("type", messageTypeString(messageType)),
		slog.Float64("duration_seconds", duration.Seconds()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Error("WebSocket message processing error", attrs...)
		return
	}

	switch messageType {
	case websocket.TextMessage:
		attrs = append(attrs, slog.String("message_content", truncateMessage(message)))
		logger.Debug("WebSocket text message relayed", attrs...)
	case websocket.PingMessage, websocket.PongMessage:
		logger.Debug("WebSocket ping/pong relayed", attrs...)
	default:
		attrs = append(attrs, slog.Int("message_size_bytes", len(message)))
		logger.Debug("WebSocket message relayed", attrs...)
	}
}

// Utility function to truncate very long messages
func truncateMessage(message []byte) string {
	const maxLength = 100
	if len(message) > maxLength {
		return string(message[:maxLength]) + "..."
	}
	return string(message)
}

// Utility function to get the message type description
func messageTypeString(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "Text"
	case websocket.BinaryMessage:
		return "Binary"
	case websocket.CloseMessage:
		return "Close"
	case websocket.PingMessage:
		return "Ping"
	case websocket.PongMessage:
		return "Pong"
	default:
		return "Unknown"
	}
}
