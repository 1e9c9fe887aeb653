// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// StartKeepAlive pings the peer every interval until ctx is done or the
// connection leaves the Open state. Pongs are only observed while another
// goroutine is reading; if none arrives within two intervals the socket is
// released, which fails the pending read.
func (c *Conn) StartKeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	// The pong window starts now, not at the upgrade.
	c.lastPong.Store(time.Now().UnixNano())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if !c.IsOpen() {
				return
			}

			last := time.Unix(0, c.lastPong.Load())
			if time.Since(last) > 2*interval {
				c.config.Logger.Warn("keep-alive timeout, closing connection",
					slog.String("remote", c.RemoteAddr().String()),
					slog.Duration("since_pong", time.Since(last)))
				_ = c.Close()
				return
			}

			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				c.config.Logger.Debug("keep-alive ping failed",
					slog.String("remote", c.RemoteAddr().String()),
					slog.String("error", err.Error()))
				return
			}
		}
	}()
}
