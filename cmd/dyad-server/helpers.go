package main

import (
	"net"
	"time"
)

// writeResponse writes raw bytes to a connection under a write deadline,
// protecting the accept loop from slow or stuck clients.
func (app *application) writeResponse(conn net.Conn, data []byte) error {
	remoteAddr := conn.RemoteAddr().String()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		app.logger.Error("failed to set write deadline", "error", err, "remote_addr", remoteAddr)
		return err
	}

	_, err := conn.Write(data)
	if err != nil {
		app.logger.Error("failed to write response", "error", err, "remote_addr", remoteAddr)
		return err
	}
	return nil
}
