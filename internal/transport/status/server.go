// Package status streams scheduler status frames to admin clients over a
// websocket.
package status

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxellight.ai/internal/protocol"
)

// Source produces the current status frame.
type Source func() protocol.StatusMsg

type Server struct {
	src      Source
	log      *log.Logger
	interval time.Duration

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(src Source, interval time.Duration, logger *log.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		src:      src,
		log:      logger,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// Sessions counts connected stream clients.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) frame() ([]byte, error) {
	msg := s.src()
	msg.Type = protocol.TypeStatus
	msg.ProtocolVersion = protocol.Version
	return json.Marshal(msg)
}

// WSHandler pushes a status frame right away and then every interval. A
// client may send a STATUS message to get an extra frame immediately.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		poke := make(chan struct{}, 1)

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			t := time.NewTicker(s.interval)
			defer t.Stop()
			for {
				b, err := s.frame()
				if err != nil {
					writeErr <- err
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-t.C:
				case <-poke:
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeStatus {
				continue
			}
			select {
			case poke <- struct{}{}:
			default:
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case err := <-writeErr:
			if err != nil && err != context.Canceled && s.log != nil {
				s.log.Printf("status stream: %v", err)
			}
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
