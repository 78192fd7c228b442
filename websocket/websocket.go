package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ponte/logging"
)

// BackendURL converts a route's HTTP backend URL plus the rewritten
// request path into the ws/wss URL to dial.
func BackendURL(target *url.URL, path, rawQuery string) string {
	u := *target
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = singleJoiningSlash(target.Path, path)
	u.RawQuery = rawQuery
	return u.String()
}

// ProxyHeaders prepares the filtered request headers for the backend
// handshake. The dialer manages the handshake headers itself and rejects
// duplicates, so those are removed; everything else, route filter output
// and the client's Authorization included, passes through.
func ProxyHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range []string{
		"Upgrade",
		"Connection",
		"Sec-Websocket-Key",
		"Sec-Websocket-Version",
		"Sec-Websocket-Extensions",
	} {
		out.Del(k)
	}
	return out
}

// HandleWebSocketProxy upgrades the client connection, dials the backend
// with the given handshake headers and relays frames in both directions
// until either side closes.
func HandleWebSocketProxy(w http.ResponseWriter, r *http.Request, targetURL string, header http.Header, logger *slog.Logger) {
	u, err := url.Parse(targetURL)
	if err != nil {
		logger.Error("Invalid WebSocket target URL", slog.Any("details", err))
		http.Error(w, "Invalid WebSocket target URL", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", slog.Any("details", err))
		return
	}
	defer clientConn.Close()

	serverConn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		logger.Error("Failed to connect to target WebSocket server", slog.Any("details", err))
		clientConn.WriteMessage(websocket.TextMessage, []byte("Error: Unable to connect to WebSocket server"))
		return
	}
	defer serverConn.Close()

	go func() {
		if err := CopyWebSocketMessages(clientConn, serverConn, logger); err != nil {
			logger.Debug("Client to server relay ended", slog.Any("details", err))
		}
		clientConn.Close()
		serverConn.Close()
	}()

	if err := CopyWebSocketMessages(serverConn, clientConn, logger); err != nil {
		logger.Debug("Server to client relay ended", slog.Any("details", err))
		clientConn.Close()
		serverConn.Close()
	}
}

// CopyWebSocketMessages relays messages from src to dest until a read or
// write fails.
func CopyWebSocketMessages(src, dest *websocket.Conn, logger *slog.Logger) error {
	for {
		startTime := time.Now()
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("Unexpected WebSocket closure", slog.Any("details", err))
			}
			logging.LogWebSocketMessage(logger, messageType, message, err, time.Since(startTime))
			return err
		}
		logging.LogWebSocketMessage(logger, messageType, message, nil, time.Since(startTime))

		if err := dest.WriteMessage(messageType, message); err != nil {
			logging.LogWebSocketMessage(logger, messageType, message, err, time.Since(startTime))
			return err
		}
	}
}

// IsWebSocketRequest checks if the given HTTP request is a WebSocket
// upgrade request.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}
