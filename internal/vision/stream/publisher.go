package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
)

var logger = vision.Component("Stream")

// Config configures the Publisher.
type Config struct {
	ListenAddr string
	// MaxClients bounds concurrent Watch streams.
	MaxClients int
	// ClientBuffer is the per-client queue; a full queue drops the newest
	// snapshot for that client.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		ClientBuffer: 8,
	}
}

type client struct {
	labels map[string]bool
	ch     chan pipeline.Snapshot
}

// Publisher fans pipeline snapshots out to Watch clients.
type Publisher struct {
	config Config

	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  uint64
	latest  pipeline.Snapshot
	hasLast bool

	published atomic.Uint64
	dropped   atomic.Uint64

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a Publisher. Zero fields of cfg take defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[uint64]*client),
		stopCh:  make(chan struct{}),
	}
}

// Register adds the DetectionStream service to s.
func (p *Publisher) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, p)
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.Register(p.server)
	p.running.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logger.Opsf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logger.Opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every Watch stream and stops the server. Safe to call more
// than once.
func (p *Publisher) Stop() {
	p.mu.Lock()
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.mu.Unlock()

	if !p.running.Swap(false) {
		return
	}
	p.server.GracefulStop()
	p.wg.Wait()
	logger.Opsf("gRPC server stopped (published=%d dropped=%d)", p.published.Load(), p.dropped.Load())
}

// Publish records snap as the latest result and queues it for every
// client without blocking.
func (p *Publisher) Publish(snap pipeline.Snapshot) {
	p.mu.Lock()
	p.latest = snap
	p.hasLast = true
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	p.published.Add(1)
	for _, c := range clients {
		select {
		case c.ch <- snap:
		default:
			p.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected Watch streams.
func (p *Publisher) Clients() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Dropped returns how many per-client sends were dropped on full queues.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

func (p *Publisher) addClient(labels map[string]bool) (uint64, *client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stopCh:
		return 0, nil, status.Error(codes.Unavailable, "publisher stopped")
	default:
	}
	if len(p.clients) >= p.config.MaxClients {
		return 0, nil, status.Errorf(codes.ResourceExhausted, "at most %d clients", p.config.MaxClients)
	}
	p.nextID++
	c := &client{labels: labels, ch: make(chan pipeline.Snapshot, p.config.ClientBuffer)}
	if p.hasLast {
		c.ch <- p.latest
	}
	p.clients[p.nextID] = c
	return p.nextID, c, nil
}

func (p *Publisher) removeClient(id uint64) {
	p.mu.Lock()
	delete(p.clients, id)
	p.mu.Unlock()
}

// Latest implements the unary RPC.
func (p *Publisher) Latest(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	p.mu.RLock()
	snap, ok := p.latest, p.hasLast
	p.mu.RUnlock()
	if !ok {
		return nil, status.Error(codes.NotFound, "no result yet")
	}
	msg, err := toMessage(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

// Watch implements the streaming RPC.
func (p *Publisher) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	id, c, err := p.addClient(requestedLabels(req))
	if err != nil {
		return err
	}
	defer p.removeClient(id)
	logger.Diagf("client %d connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case snap := <-c.ch:
			msg, err := toMessage(filterLabels(snap, c.labels))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func filterLabels(snap pipeline.Snapshot, labels map[string]bool) pipeline.Snapshot {
	if labels == nil {
		return snap
	}
	kept := make([]vision.Detection, 0, len(snap.Detections))
	for _, d := range snap.Detections {
		if labels[d.Label] {
			kept = append(kept, d)
		}
	}
	snap.Detections = kept
	return snap
}
