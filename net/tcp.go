package net

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/common"
)

const (
	confConnectTimeout = "conduit.net.connect.timeout"
)

const (
	defaultConnectTimeout = 30 * time.Second
)

func ListenTcp(port string) (*TcpListener, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%v", port))
	if err != nil {
		return nil, errors.Wrapf(err, "Error listening on port [%v]", port)
	}

	return &TcpListener{listener: listener, timeout: defaultConnectTimeout}, nil
}

func ConnectTcp(addr string, timeout time.Duration) (*TcpConnection, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "Error opening connection [%v]", addr)
	}

	return &TcpConnection{conn}, nil
}

// Connects using the timeout from the configuration.
func ConnectTcpConfig(config common.Config, addr string) (*TcpConnection, error) {
	return ConnectTcp(addr, config.OptionalDuration(confConnectTimeout, defaultConnectTimeout))
}

type TcpListener struct {
	listener net.Listener
	timeout  time.Duration
}

func (u *TcpListener) Close() error {
	return u.listener.Close()
}

func (u *TcpListener) Addr() net.Addr {
	return u.listener.Addr()
}

// Opens a connection to this listener.
func (u *TcpListener) Conn() (Connection, error) {
	conn, err := ConnectTcp(u.listener.Addr().String(), u.timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (u *TcpListener) Accept() (Connection, error) {
	conn, err := u.listener.Accept()
	if err != nil {
		return nil, err
	}

	return &TcpConnection{conn}, nil
}

type TcpConnection struct {
	conn net.Conn
}

func (u *TcpConnection) Close() error {
	return u.conn.Close()
}

func (t *TcpConnection) Read(p []byte) (n int, err error) {
	return t.conn.Read(p)
}

func (t *TcpConnection) Write(p []byte) (n int, err error) {
	return t.conn.Write(p)
}

func (t *TcpConnection) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *TcpConnection) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
