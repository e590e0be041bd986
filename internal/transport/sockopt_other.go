//go:build !unix

package transport

import "syscall"

func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
