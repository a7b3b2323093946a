package opcua

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// serverURI names namespace 1 of every device server.
const serverURI = "urn:openmachinesim:server"

// Endpoint is the OPC UA server of one device: security policy None,
// anonymous sessions, reads and subscriptions served from the device's
// address space.
type Endpoint struct {
	url  string
	addr *net.TCPAddr
	srv  *server.Server

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Serve attaches space to a new server and starts listening on host:port.
func Serve(host string, port int, space *AddressSpace, logger *zap.Logger) (*Endpoint, error) {
	srv := server.New(
		server.EndPoint(host, port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
		server.ServerName("OpenMachineSim "+space.DeviceID),
		server.ManufacturerName("Protocol Sim Engine"),
		server.ProductName("OpenMachineSim OPC UA device"),
		server.SetLogger(serverLogger{logger.Sugar()}),
	)
	server.NewNodeNameSpace(srv, serverURI)
	if err := space.attach(srv); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	space.watch(srv.ChangeNotification)

	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	return &Endpoint{
		url:    fmt.Sprintf("opc.tcp://%s/freeopcua/server/", hostPort),
		addr:   &net.TCPAddr{IP: net.ParseIP(host), Port: port},
		srv:    srv,
		cancel: cancel,
	}, nil
}

func (e *Endpoint) URL() string { return e.url }

func (e *Endpoint) Addr() net.Addr { return e.addr }

// Close stops listening and drops open secure channels.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.closeErr = e.srv.Close()
	})
	return e.closeErr
}

// serverLogger feeds the server's printf style messages into zap.
type serverLogger struct {
	s *zap.SugaredLogger
}

func (l serverLogger) Debug(msg string, args ...any) { l.s.Debugf(msg, args...) }
func (l serverLogger) Info(msg string, args ...any)  { l.s.Debugf(msg, args...) }
func (l serverLogger) Warn(msg string, args ...any)  { l.s.Warnf(msg, args...) }
func (l serverLogger) Error(msg string, args ...any) { l.s.Errorf(msg, args...) }
