package messages

import (
	"fmt"
	"net"
	"strconv"
)

func CreateServerSocket(ip net.IP, port int) (net.Listener, error) {
	laddr := &net.TCPAddr{
		Port: port,
		IP:   ip,
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("error creating ListenTCP: %w", err)
	}
	return ln, nil
}

func CreateClientSocket(address string, port int) (net.Conn, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("error dialing to server: %w", err)
	}
	return conn, nil
}
