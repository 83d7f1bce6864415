package chat

import (
	"bufio"
	"net"
)

// StartOutboundWriter drains out onto conn, one frame per message, preserving
// submission order. Outbound frames never interleave because this goroutine
// is the connection's only writer. On write failure the connection is closed
// so the owning reader loop runs its normal disconnect path. The returned
// channel closes once the writer has exited.
func StartOutboundWriter(conn net.Conn, out <-chan Message) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := bufio.NewWriter(conn)
		for msg := range out {
			frame, err := EncodeFrame(msg)
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				_ = conn.Close()
				return
			}
			if err := w.Flush(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()
	return done
}
