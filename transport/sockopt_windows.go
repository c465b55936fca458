//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func setSocketOptions(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		if opErr = windows.SetsockoptInt(h, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1); opErr != nil {
			return
		}
		opErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
