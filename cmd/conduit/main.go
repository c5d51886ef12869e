package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/common"
	"github.com/pkopriv2/conduit/msg"
	"github.com/pkopriv2/conduit/net"
	"github.com/spf13/viper"
)

func main() {
	mode := flag.String("mode", "serve", "mode: serve|send")
	addr := flag.String("addr", ":7070", "address to listen on (serve) or connect to (send)")
	message := flag.String("message", "hello", "message to send (send)")
	timeout := flag.Duration("timeout", 5*time.Second, "time to wait for the echo (send)")
	config := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	conf, err := loadConfig(*config)
	if err != nil {
		fatalf("load config: %v", err)
	}

	ctx := common.NewContext(conf)
	defer ctx.Close()

	switch *mode {
	default:
		fatalf("unknown mode [%v]", *mode)
	case "serve":
		err = serve(ctx, *addr)
	case "send":
		err = send(ctx, *addr, *message, *timeout)
	}

	if err != nil {
		ctx.Logger().Error("%v", err)
		ctx.Close()
		os.Exit(1)
	}
}

func loadConfig(path string) (common.Config, error) {
	v := viper.New()
	if path == "" {
		return common.NewViperConfig(v), nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "Error reading config [%v]", path)
	}
	return common.NewViperConfig(v), nil
}

// Echoes every message received on the bootstrap pipe of each accepted
// connection.
func serve(ctx common.Context, addr string) error {
	_, port, err := net.SplitAddr(addr)
	if err != nil {
		return err
	}

	listener, err := net.ListenTcp(port)
	if err != nil {
		return err
	}
	ctx.Control().OnClose(func(error) {
		listener.Close()
	})

	ctx.Logger().Info("Listening on [%v]", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Control().IsClosed() {
				return nil
			}
			return errors.Wrap(err, "Error accepting connection")
		}

		go echo(ctx, conn)
	}
}

func echo(ctx common.Context, conn net.Connection) {
	logger := ctx.Logger().Fmt("Echo(%v)", conn.RemoteAddr())

	pipe, endpoint := msg.NewProxyMessagePipe(ctx)
	defer pipe.Close(msg.Port0)

	channel, err := msg.NewChannelWithBootstrap(ctx, conn, endpoint)
	if err != nil {
		logger.Error("Error opening channel: %v", err)
		return
	}
	defer channel.Close()

	for {
		if err := pipe.Await(msg.Port0, channel.Closed()); err != nil {
			logger.Info("Done: %v", err)
			return
		}

		data, err := pipe.Read(msg.Port0)
		if err != nil {
			logger.Info("Done: %v", err)
			return
		}

		logger.Debug("Echoing [%v] bytes", len(data))
		if err := pipe.Write(msg.Port0, data); err != nil {
			logger.Info("Done: %v", err)
			return
		}
	}
}

// Sends a single message over the bootstrap pipe and waits for its echo.
func send(ctx common.Context, addr string, message string, timeout time.Duration) error {
	conn, err := net.ConnectTcpConfig(ctx.Config(), addr)
	if err != nil {
		return err
	}

	pipe, endpoint := msg.NewProxyMessagePipe(ctx)
	defer pipe.Close(msg.Port0)

	channel, err := msg.NewChannelWithBootstrap(ctx, conn, endpoint)
	if err != nil {
		return err
	}
	defer channel.Close()

	if err := pipe.Write(msg.Port0, []byte(message)); err != nil {
		return err
	}

	if err := pipe.Await(msg.Port0, common.NewTimer(ctx.Control(), timeout)); err != nil {
		return errors.Wrap(err, "Error awaiting echo")
	}

	data, err := pipe.Read(msg.Port0)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
