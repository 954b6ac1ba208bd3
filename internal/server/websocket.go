package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// watchMessage is sent on connect and after every hash change.
type watchMessage struct {
	Hash string `json:"hash"`
}

// watch (GET /v1/watch) upgrades to a websocket and pushes the current hash,
// then every new one. Intermediate hashes may be skipped when the client is
// slow; the latest is always delivered.
func (s *Server) watch(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	if !s.trackWatcher() {
		closeConn(conn, websocket.CloseGoingAway)
		return nil
	}
	defer s.watchers.Done()

	remoteAddr := c.RealIP()
	s.metrics.WatchClients.Inc()
	defer s.metrics.WatchClients.Dec()
	s.logger.Debug("Watch client connected", zap.String("remote_addr", remoteAddr))
	defer s.logger.Debug("Watch client disconnected", zap.String("remote_addr", remoteAddr))

	// Subscribe before reading the current hash so no change falls between.
	updates, unsubscribe := s.dir.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go readPump(conn, gone)

	current, err := s.dir.Hash(c.Request().Context())
	if err != nil {
		closeConn(conn, websocket.CloseTryAgainLater)
		return nil
	}
	if err := send(conn, current); err != nil {
		return nil
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopping:
			closeConn(conn, websocket.CloseGoingAway)
			return nil
		case <-gone:
			return nil
		case h, ok := <-updates:
			if !ok {
				closeConn(conn, websocket.CloseGoingAway)
				return nil
			}
			if h == current {
				continue
			}
			current = h
			if err := send(conn, h); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}

// readPump consumes client frames so pongs and close frames are processed.
// It closes gone when the connection fails or the client leaves.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func send(conn *websocket.Conn, hash string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(watchMessage{Hash: hash})
}

func closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
