package datadist

import "net"

func newTCPListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
