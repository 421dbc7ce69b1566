package comm

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"go.uber.org/zap"

	"taskfarm/errs"
)

// Server exposes a handler over net/rpc and keeps one client per peer.
type Server struct {
	serverId string

	rpcServer *rpc.Server
	listener  net.Listener
	handler   interface{}

	peerClients map[int]*rpc.Client
	conns       map[net.Conn]struct{}

	log *zap.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

func NewServer(serverId string, handler interface{}, log *zap.Logger) *Server {
	return &Server{
		rpcServer:   rpc.NewServer(),
		serverId:    serverId,
		quit:        make(chan struct{}),
		peerClients: make(map[int]*rpc.Client),
		conns:       make(map[net.Conn]struct{}),
		handler:     handler,
		log:         log,
	}
}

// Serve registers the handler under the "Comm" service name and starts
// accepting on addr.
func (s *Server) Serve(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rpcServer.RegisterName("Comm", s.handler); err != nil {
		return errs.TransportError.Wrap(err)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.TransportError.Wrap(err)
	}
	s.listener = l

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			conn, err := l.Accept()
			if err != nil {
				select {
				case <-s.quit:
				default:
					s.log.Error("accept error", zap.String("server", s.serverId), zap.Error(err))
				}
				return
			}
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.rpcServer.ServeConn(conn)
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
		}
	}()
	return nil
}

// Shutdown stops accepting, drops every inbound and outbound connection and
// waits for the serving goroutines. Calling it again is a no-op.
func (s *Server) Shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		for id, client := range s.peerClients {
			client.Close()
			delete(s.peerClients, id)
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
}

// Call invokes serviceMethod on peer id, giving up when ctx is done.
func (s *Server) Call(ctx context.Context, id int, serviceMethod string, args any, reply any) error {
	select {
	case <-s.quit:
		return errs.ClosedError.New("%v shut down", s)
	default:
	}
	s.mu.Lock()
	peer := s.peerClients[id]
	s.mu.Unlock()

	if peer == nil {
		return errs.TransportError.New("call client %d after it's closed", id)
	}
	call := peer.Go(serviceMethod, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return errs.TransportError.New("%s to %d: %v", serviceMethod, id, call.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ConnectToPeer(peerId int, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerClients[peerId] == nil {
		client, err := rpc.Dial("tcp", addr)
		if err != nil {
			s.log.Warn("failed to connect to peer",
				zap.String("server", s.serverId), zap.Int("peer", peerId), zap.String("addr", addr), zap.Error(err))
			return errs.TransportError.Wrap(err)
		}
		s.peerClients[peerId] = client

		s.log.Debug("connected to peer", zap.String("server", s.serverId), zap.Int("peer", peerId), zap.String("addr", addr))
	}
	return nil
}

func (s *Server) Listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Server) String() string {
	return fmt.Sprintf("server(%s)", s.serverId)
}
