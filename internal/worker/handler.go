package worker

import (
	"context"
	"net"
)

// Handler serves one accepted connection. The connection is closed when
// ServeConn returns. ctx is cancelled when the worker gives up draining.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// DefaultGreeting prefixes every echoed chunk.
const DefaultGreeting = "hello "

// Echo answers every chunk read from the connection with greeting + chunk.
func Echo(greeting string) Handler {
	return HandlerFunc(func(ctx context.Context, conn net.Conn) {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		buf := make([]byte, 4096)
		out := make([]byte, 0, len(greeting)+len(buf))
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				out = append(out[:0], greeting...)
				out = append(out, buf[:n]...)
				if _, werr := conn.Write(out); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
}
