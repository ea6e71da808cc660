package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pranav-super/secko/internal/antientropy"
	"github.com/pranav-super/secko/internal/commitlog"
	"github.com/pranav-super/secko/internal/config"
	"github.com/pranav-super/secko/internal/metrics"
	"github.com/pranav-super/secko/internal/ratelimit"
	"github.com/pranav-super/secko/internal/replica"
	"github.com/pranav-super/secko/internal/store"
	"github.com/pranav-super/secko/internal/workerpool"
)

// Server owns every long-lived subsystem of one secko replica: the two
// listeners, the three worker pools, the commit-log persister, and the
// gossip sender (the snapshotter is run separately by cmd/secko-server). Its lifecycle is driven by a context.Context cancelled on
// shutdown, adapted from the teacher's Server ctx/cancel/wg pattern.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	selfID         uint64
	clientBindAddr string
	selfAddr       string

	store *store.Store[string]
	index *replica.Index

	log     *commitlog.Log
	commits chan commitlog.Commit

	clientPool *workerpool.Pool
	digestPool *workerpool.Pool
	updatePool *workerpool.Pool

	gossipLimiter *rate.Limiter
	dial          antientropy.Dialer

	connLimiter *ratelimit.ConnectionLimiter

	clientListener net.Listener
	peerListener   net.Listener

	wg sync.WaitGroup
}

// Options collects the values New needs beyond cfg: the addresses to bind,
// the recovered store/log from commitlog.Recover, and the initial gossip
// send rate.
type Options struct {
	SelfAddr       string
	ClientBindAddr string
	Neighbours     []string
	SendRate       float64

	Store *store.Store[string]
	Log   *commitlog.Log
}

// New builds a Server ready to Run. It does not bind any sockets yet.
func New(cfg *config.Config, opts Options, logger zerolog.Logger) (*Server, error) {
	selfID, err := replica.Encode(opts.SelfAddr)
	if err != nil {
		return nil, fmt.Errorf("encode self replica id: %w", err)
	}

	neighbourIDs := make([]uint64, 0, len(opts.Neighbours))
	for _, n := range opts.Neighbours {
		id, err := replica.Encode(n)
		if err != nil {
			return nil, fmt.Errorf("encode neighbour %q: %w", n, err)
		}
		neighbourIDs = append(neighbourIDs, id)
	}

	idx := replica.NewIndex(append([]uint64{selfID}, neighbourIDs...)...)
	for _, p := range opts.Store.Dump() {
		idx.Append(selfID, p.Key)
	}

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		selfID:         selfID,
		clientBindAddr: opts.ClientBindAddr,
		selfAddr:       opts.SelfAddr,
		store:          opts.Store,
		index:         idx,
		log:           opts.Log,
		commits:       make(chan commitlog.Commit, cfg.CommitQueueSize),
		clientPool:    workerpool.New("client", cfg.ClientWorkers, cfg.ClientQueueSize, logger),
		digestPool:    workerpool.New("digest", cfg.DigestWorkers, cfg.DigestQueueSize, logger),
		updatePool:    workerpool.New("update", cfg.UpdateWorkers, cfg.UpdateQueueSize, logger),
		gossipLimiter: rate.NewLimiter(rate.Limit(opts.SendRate), 1),
		dial:          antientropy.TCPDialer(5 * time.Second),
		connLimiter: ratelimit.New(ratelimit.Config{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPPerSecond,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalPerSec,
			Logger:      logger,
		}),
	}
	return s, nil
}

// Run binds both listeners, starts every worker pool and background
// goroutine, and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	clientLn, err := net.Listen("tcp", s.clientBindAddr)
	if err != nil {
		return fmt.Errorf("bind client listener on %s: %w", s.clientBindAddr, err)
	}
	s.clientListener = clientLn

	peerLn, err := net.Listen("tcp", s.selfAddr)
	if err != nil {
		clientLn.Close()
		return fmt.Errorf("bind peer listener on %s: %w", s.selfAddr, err)
	}
	s.peerListener = peerLn

	s.clientPool.Start(ctx)
	s.digestPool.Start(ctx)
	s.updatePool.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Persist(s.commits, ctx.Done())
	}()

	gossip := &antientropy.Sender{
		SelfID:  s.selfID,
		Index:   s.index,
		Limiter: s.gossipLimiter,
		Dial:    s.dial,
		Logger:  s.logger,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		gossip.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, clientLn, "client", s.handleClient)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, peerLn, "peer", s.handlePeerConnection)
	}()

	<-ctx.Done()
	return s.shutdown()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, label string, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Str("listener", label).Msg("accept failed")
				return
			}
		}

		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !s.connLimiter.Allow(ip) {
			metrics.ConnectionsRejected.WithLabelValues(label).Inc()
			conn.Close()
			continue
		}
		metrics.ConnectionsAccepted.WithLabelValues(label).Inc()

		if label == "peer" {
			// The peer listener only needs to read one message and hand it
			// off; the real, capacity-bounded work happens on digestPool/
			// updatePool inside handlePeerConnection, so an unpooled
			// goroutine here is enough to keep Accept unblocked.
			go handle(conn)
			continue
		}
		// Close the connection on shutdown so a handler blocked reading an
		// idle client returns and its worker can exit.
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		s.clientPool.Submit(func() {
			defer stop()
			handle(conn)
		})
	}
}

func (s *Server) shutdown() error {
	s.clientListener.Close()
	s.peerListener.Close()
	s.connLimiter.Stop()
	s.clientPool.Stop()
	s.digestPool.Stop()
	s.updatePool.Stop()
	close(s.commits)
	s.wg.Wait()
	return s.log.Close()
}
