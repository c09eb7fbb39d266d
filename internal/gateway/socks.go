// Package gateway implements the per-VM SOCKS5 CONNECT server (C5): an
// accept loop that fans out one goroutine per client connection, offloads
// the firewall decision to a bounded worker pool, and relays bytes
// bidirectionally, cancelling the peer on first completion. The whole
// accept loop is wrapped by a supervisor goroutine that restarts it with
// exponential backoff on the same port.
package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rthewhite/xray/internal/descriptor"
)

const (
	socksVersion  = 0x05
	cmdConnect    = 0x01
	atypIPv4      = 0x01
	atypDomain    = 0x03
	atypIPv6      = 0x04
	replaySuccess = 0x00
	replyDeny     = 0x02
	replyRefused  = 0x05
	replyCmdNS    = 0x07
	replyAtypNS   = 0x08

	relayBufSize = 8 * 1024
	workerCount  = 4
)

// DecideFunc resolves whether a (ip,port) destination should be allowed for
// a given VM. It is the gateway's only coupling to the decision engine,
// letting the supervisor swap in an always-allow stub for allow_all mode.
type DecideFunc func(ctx context.Context, vm, ip string, port int) (descriptor.Decision, error)

// Gateway is a single VM's SOCKS5 CONNECT server.
type Gateway struct {
	vm     string
	decide DecideFunc
	log    *logrus.Entry

	work chan func()
}

// New constructs a gateway for vm. decide is called once per connection,
// off the accept loop's goroutine, via a bounded worker pool.
func New(vm string, decide DecideFunc) *Gateway {
	return &Gateway{
		vm:     vm,
		decide: decide,
		log:    logrus.WithField("component", "proxy").WithField("vm", vm),
		work:   make(chan func(), 64),
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Each connection's decision is dispatched to a fixed pool of workerCount
// goroutines so the accept loop itself never blocks on a prompt or an SSH
// call.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	for i := 0; i < workerCount; i++ {
		go g.worker(ctx)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // intentional stop
			default:
				return fmt.Errorf("[proxy] accept: %w", err)
			}
		}
		c := conn
		select {
		case g.work <- func() { g.handleConn(ctx, c) }:
		case <-ctx.Done():
			c.Close()
			return nil
		}
	}
}

func (g *Gateway) worker(ctx context.Context) {
	for {
		select {
		case fn := <-g.work:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// traceID correlates this connection's log lines across the
	// negotiate/decide/relay path; it has no protocol meaning.
	traceID := uuid.New().String()
	log := g.log.WithField("trace", traceID)

	if err := g.negotiateNoAuth(conn); err != nil {
		log.Debugf("[proxy] %s: negotiate: %v", conn.RemoteAddr(), err)
		return
	}

	host, port, err := readRequest(conn)
	if err != nil {
		log.Debugf("[proxy] %s: request: %v", conn.RemoteAddr(), err)
		return
	}

	decision, err := g.decide(ctx, g.vm, host, port)
	if err != nil {
		log.Warnf("[firewall] decide %s:%d: %v", host, port, err)
		writeReply(conn, replyDeny)
		return
	}
	if decision != descriptor.Allow {
		log.Infof("[firewall] DENIED %s -> %s:%d", g.vm, host, port)
		writeReply(conn, replyDeny)
		return
	}

	dest, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprint(port)), 10*time.Second)
	if err != nil {
		log.Infof("[proxy] dial %s:%d: %v", host, port, err)
		writeReply(conn, replyRefused)
		return
	}
	defer dest.Close()

	if err := writeReply(conn, replaySuccess); err != nil {
		return
	}

	log.Infof("[proxy] ALLOWED %s -> %s:%d", g.vm, host, port)
	relay(conn, dest)
}

// negotiateNoAuth reads the client's method list and always replies no-auth.
func (g *Gateway) negotiateNoAuth(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read version/nmethods: %w", err)
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if _, err := io.ReadFull(conn, methods); err != nil {
			return fmt.Errorf("read methods: %w", err)
		}
	}
	_, err := conn.Write([]byte{socksVersion, 0x00})
	return err
}

// readRequest parses VER CMD RSV ATYP and the destination, replying with
// the appropriate SOCKS error code and returning an error for anything this
// gateway doesn't support.
func readRequest(conn net.Conn) (host string, port int, err error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != socksVersion {
		return "", 0, fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	if hdr[1] != cmdConnect {
		writeReply(conn, replyCmdNS)
		return "", 0, fmt.Errorf("unsupported command %d", hdr[1])
	}

	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read IPv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, int(lenBuf[0]))
		if len(domain) > 0 {
			if _, err := io.ReadFull(conn, domain); err != nil {
				return "", 0, fmt.Errorf("read domain: %w", err)
			}
		}
		// Used verbatim as the connect host and the policy-store key — see
		// the domain-typed-destination note in the decision engine package.
		host = string(domain)
	case atypIPv6:
		writeReply(conn, replyAtypNS)
		return "", 0, fmt.Errorf("IPv6 destinations not supported")
	default:
		writeReply(conn, replyAtypNS)
		return "", 0, fmt.Errorf("unknown ATYP %d", hdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port = int(binary.BigEndian.Uint16(portBuf))

	return host, port, nil
}

// writeReply sends a SOCKS5 reply with a literal 0.0.0.0:0 bind address;
// clients in this deployment never inspect the BND fields.
func writeReply(conn net.Conn, code byte) error {
	reply := []byte{socksVersion, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// relay copies bytes in both directions. Whichever half completes or errors
// first cancels the other — natural EOF on one side must not strand the
// session waiting on the other.
func relay(client, dest net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.CopyBuffer(dest, client, make([]byte, relayBufSize))
		done <- struct{}{}
	}()
	go func() {
		io.CopyBuffer(client, dest, make([]byte, relayBufSize))
		done <- struct{}{}
	}()
	<-done
}
