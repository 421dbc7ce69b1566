package comm

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskfarm/errs"
)

var _ Comm = &Group{}

type DeliverArgs struct {
	Source  Rank
	Tag     Tag
	Payload []byte
}
type DeliverReply struct {
}

type PingArgs struct {
	Source Rank
}
type PingReply struct {
	Rank Rank
}

// Endpoint is the net/rpc service every member exposes to its peers.
type Endpoint struct {
	g *Group
}

func (e *Endpoint) Deliver(args DeliverArgs, reply *DeliverReply) error {
	return e.g.box.deliver(Message{Source: args.Source, Tag: args.Tag, Payload: args.Payload})
}

func (e *Endpoint) Ping(args PingArgs, reply *PingReply) error {
	reply.Rank = e.g.rank
	return nil
}

// JoinOptions describes one member joining a TCP group.
type JoinOptions struct {
	Rank Rank
	Size int
	// Dir is the rendezvous directory every member can read and write.
	Dir           string
	ListenAddr    string
	AdvertiseHost string
	Logger        *zap.Logger
}

// Group is a group member connected to its peers over net/rpc.
type Group struct {
	rank   Rank
	size   int
	server *Server
	box    *mailbox
	log    *zap.Logger
}

// Join starts this member's endpoint, publishes its address in the
// rendezvous directory and connects to every peer once they have done the same.
func Join(ctx context.Context, opts JoinOptions) (*Group, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	g := &Group{
		rank: opts.Rank,
		size: opts.Size,
		box:  newMailbox(),
		log:  log,
	}
	g.server = NewServer(opts.Rank.String(), &Endpoint{g: g}, log)
	if err := g.server.Serve(opts.ListenAddr); err != nil {
		return nil, err
	}

	addr, err := advertised(g.server.Listener().Addr(), opts.AdvertiseHost)
	if err != nil {
		g.Close()
		return nil, err
	}
	if err := publish(opts.Dir, opts.Rank, addr); err != nil {
		g.Close()
		return nil, err
	}

	for r := Rank(0); int(r) < opts.Size; r++ {
		if r == opts.Rank {
			continue
		}
		peerAddr, err := lookup(ctx, opts.Dir, r)
		if err != nil {
			g.Close()
			return nil, err
		}
		if err := g.server.ConnectToPeer(int(r), peerAddr); err != nil {
			g.Close()
			return nil, err
		}
	}
	log.Debug("joined group", zap.Int("size", opts.Size), zap.String("addr", addr))
	return g, nil
}

func advertised(a net.Addr, host string) (string, error) {
	_, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return "", errs.TransportError.Wrap(err)
	}
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return "", errs.TransportError.Wrap(err)
		}
	}
	return net.JoinHostPort(host, port), nil
}

func addrFile(dir string, r Rank) string {
	return filepath.Join(dir, fmt.Sprintf("%s.addr", r))
}

// publish writes through a temporary file so readers never see a partial address.
func publish(dir string, r Rank, addr string) error {
	tmp := addrFile(dir, r) + ".tmp"
	if err := os.WriteFile(tmp, []byte(addr), 0o644); err != nil {
		return errs.TransportError.Wrap(err)
	}
	if err := os.Rename(tmp, addrFile(dir, r)); err != nil {
		return errs.TransportError.Wrap(err)
	}
	return nil
}

func lookup(ctx context.Context, dir string, r Rank) (string, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		b, err := os.ReadFile(addrFile(dir, r))
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
		if !os.IsNotExist(err) {
			return "", errs.TransportError.Wrap(err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", errs.TransportError.New("waiting for %v to join: %v", r, ctx.Err())
		}
	}
}

func (g *Group) Rank() Rank { return g.rank }
func (g *Group) Size() int  { return g.size }

func (g *Group) Send(ctx context.Context, dest Rank, tag Tag, payload []byte) error {
	if dest == g.rank {
		return g.box.deliver(Message{Source: g.rank, Tag: tag, Payload: payload})
	}
	var reply DeliverReply
	return g.server.Call(ctx, int(dest), "Comm.Deliver", DeliverArgs{Source: g.rank, Tag: tag, Payload: payload}, &reply)
}

func (g *Group) Recv(ctx context.Context, source Rank, tag Tag) (Message, error) {
	return g.box.take(ctx, source, tag)
}

func (g *Group) Ping(ctx context.Context, dest Rank) error {
	var reply PingReply
	if err := g.server.Call(ctx, int(dest), "Comm.Ping", PingArgs{Source: g.rank}, &reply); err != nil {
		return err
	}
	if reply.Rank != dest {
		return errs.TransportError.New("ping %v answered by %v", dest, reply.Rank)
	}
	return nil
}

func (g *Group) Post(msg Message) error {
	return g.box.deliver(msg)
}

func (g *Group) Close() error {
	g.box.close()
	g.server.Shutdown()
	return nil
}
