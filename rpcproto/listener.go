package rpcproto

import (
	"context"
	"fmt"
	"net"

	"github.com/grailbio/base/log"

	"github.com/Norbi-S/sioworkers/worker"
)

// Listener accepts worker TCP connections, performs the hello
// handshake (SPEC_FULL.md §4.1), and hands each accepted, handshaken
// connection to a registration callback. It is the dispatcher's only
// piece of "glue" transport code — all admission and registry
// decisions are delegated to worker.Manager (SPEC_FULL.md §1 scopes
// the wire format itself out, not the accept loop that terminates
// it).
type Listener struct {
	ln net.Listener
}

// Listen starts accepting worker connections on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// HandshakeFunc is called once per accepted connection with the
// worker's hello info and its established Connection. Returning a
// non-nil error causes the connection to be torn down (e.g. the
// worker.Manager rejected it).
type HandshakeFunc func(ctx context.Context, uid string, info worker.ClientInfo, conn worker.Connection) error

// Serve accepts connections until the listener is closed, handshaking
// each one and invoking handshake. Serve blocks; run it on its own
// goroutine.
func (l *Listener) Serve(ctx context.Context, handshake HandshakeFunc) error {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(ctx, nc, handshake)
	}
}

func (l *Listener) handle(ctx context.Context, nc net.Conn, handshake HandshakeFunc) {
	conn := newConn(nc)
	reply, err := conn.roundTrip(ctx, MethodHello, nil)
	if err != nil {
		log.Printf("rpcproto: handshake with %s failed: %v", nc.RemoteAddr(), err)
		conn.Close()
		return
	}
	hello, ok := reply.(Hello)
	if !ok {
		log.Printf("rpcproto: handshake with %s returned unexpected type %T", nc.RemoteAddr(), reply)
		conn.Close()
		return
	}
	info := worker.ClientInfo{
		Name:           hello.Name,
		Concurrency:    hello.Concurrency,
		AvailableRAMMB: hello.AvailableRAMMB,
		CanRunCPUExec:  hello.CanRunCPUExec,
	}
	uid := worker.UniqueID(info.Name, remoteHostPort(nc))
	if err := handshake(ctx, uid, info, conn); err != nil {
		log.Printf("rpcproto: worker %s rejected: %v", uid, err)
		conn.Close()
	}
}

func remoteHostPort(nc net.Conn) string {
	return fmt.Sprintf("%s", nc.RemoteAddr())
}
