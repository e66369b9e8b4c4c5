package detector

import (
	"context"
	"net"
)

// TCPDetector succeeds once something accepts connections on Addr.
type TCPDetector struct{ Addr string }

func (d TCPDetector) Alive(ctx context.Context) (bool, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

func (d TCPDetector) Describe() string { return "tcp:" + d.Addr }
