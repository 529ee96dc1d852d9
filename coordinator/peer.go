package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
)

// Command is one game action routed between instances over the peer link.
type Command struct {
	Op          string
	GameID      string
	UserID      string
	DisplayName string
	Reference   string
	Number      int
	Reason      string
}

// CommandReply carries the result of an executed command back to the
// forwarding instance.
type CommandReply struct {
	Result string
}

// Executor runs a routed command on the local instance. The server wires
// the orchestrator in behind this.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (string, error)
}

type HealthArgs struct {
	InstanceID string
}

type HealthReply struct {
	InstanceID string
	Role       models.InstanceRole
	Status     models.InstanceStatus
	StartedAt  time.Time
}

const commandTimeout = 30 * time.Second

// PeerService is the RPC surface one instance exposes to the other.
type PeerService struct {
	coord *Coordinator
	exec  Executor
}

func (s *PeerService) Health(args *HealthArgs, reply *HealthReply) error {
	rec := s.coord.Self()
	reply.InstanceID = rec.InstanceID
	reply.Role = rec.Role
	reply.Status = rec.Status
	reply.StartedAt = rec.StartedAt
	return nil
}

func (s *PeerService) Execute(cmd *Command, reply *CommandReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := s.exec.Execute(ctx, *cmd)
	if err != nil {
		return err
	}
	reply.Result = result
	return nil
}

// ServePeer starts the RPC listener for the peer instance. It returns
// once the listener is accepting; connections are handled until ctx ends.
func ServePeer(ctx context.Context, addr string, coord *Coordinator, exec Executor) error {
	server := rpc.NewServer()
	if err := server.RegisterName("Peer", &PeerService{coord: coord, exec: exec}); err != nil {
		return fmt.Errorf("register peer service: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Log.Infof("peer rpc listening on %s", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.Warnf("peer rpc accept: %v", err)
				continue
			}
			go server.ServeConn(conn)
		}
	}()
	return nil
}

// PeerLink is the client half of the peer connection. It redials lazily:
// a failed call drops the connection and the next call dials again.
type PeerLink struct {
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

func NewPeerLink(addr string) *PeerLink {
	return &PeerLink{addr: addr}
}

func (l *PeerLink) conn() (*rpc.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	c, err := net.DialTimeout("tcp", l.addr, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", l.addr, err)
	}
	l.client = rpc.NewClient(c)
	return l.client, nil
}

func (l *PeerLink) drop(c *rpc.Client) {
	l.mu.Lock()
	if l.client == c {
		l.client = nil
	}
	l.mu.Unlock()
	c.Close()
}

func (l *PeerLink) call(method string, args, reply interface{}) error {
	c, err := l.conn()
	if err != nil {
		return err
	}
	if err := c.Call(method, args, reply); err != nil {
		if errors.Is(err, rpc.ErrShutdown) || isNetError(err) {
			l.drop(c)
		}
		return err
	}
	return nil
}

// Health probes the peer.
func (l *PeerLink) Health(instanceID string) (*HealthReply, error) {
	var reply HealthReply
	if err := l.call("Peer.Health", &HealthArgs{InstanceID: instanceID}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Execute forwards a command for remote execution.
func (l *PeerLink) Execute(cmd Command) (string, error) {
	var reply CommandReply
	if err := l.call("Peer.Execute", &cmd, &reply); err != nil {
		return "", err
	}
	return reply.Result, nil
}

func (l *PeerLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
