package httpretry

import (
	"context"
	"net"
	"time"
)

func dialer(connectTimeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext
}
