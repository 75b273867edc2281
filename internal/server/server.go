// Package server implements the TCP listener and per-connection handler
// for the exchange's framed request/response protocol (§4.3). It owns no
// business logic; each connection's payload is handed to a Router and
// the rendered response is written back and the connection closed.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

// Router dispatches one request payload to the matching engine and
// returns the rendered response document, without the trailing framing
// newline.
type Router interface {
	Handle(ctx context.Context, payload []byte) []byte
}

// Config holds the listener's tunable parameters, normally sourced from
// environment variables (§6 "Exit codes and environment").
type Config struct {
	Address        string
	Port           int
	ReadTimeout    time.Duration
	WorkerPoolSize int
}

// Server accepts connections on a single TCP port and dispatches each to
// a bounded worker pool (§5 "parallel workers ... drawn from a bounded
// pool").
type Server struct {
	cfg    Config
	router Router
	log    zerolog.Logger
	pool   *workerPool
}

func New(cfg Config, router Router, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, router: router, log: log}
	s.pool = newWorkerPool(cfg.WorkerPoolSize, s.handleConnection)
	return s
}

// Run listens until ctx is canceled, then tears the listener and worker
// pool down in dependency order and returns once every worker has exited.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")

	t.Go(func() error {
		<-t.Dying()
		return listener.Close()
	})

	s.pool.run(t)

	t.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-t.Dying():
					return nil
				default:
					s.log.Error().Err(err).Msg("accept failed")
					continue
				}
			}
			if !s.pool.submit(conn) {
				s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("worker pool saturated, rejecting connection")
				conn.Close()
			}
		}
	})

	return t.Wait()
}

// handleConnection implements the single-request-per-connection contract:
// read one frame, route it, write the response, close (§4.3).
func (s *Server) handleConnection(t *tomb.Tomb, conn net.Conn) error {
	defer conn.Close()

	connID := uuid.NewString()
	log := s.log.With().Str("conn", connID).Str("remote", conn.RemoteAddr().String()).Logger()

	if s.cfg.ReadTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			log.Warn().Err(err).Msg("failed to set read deadline")
		}
	}

	payload, err := readFrame(conn)
	if err != nil {
		// Timeouts and framing errors drop the connection without a
		// response (§5 "Read timeouts only affect whether the response
		// is transmitted").
		log.Debug().Err(err).Msg("dropping connection: frame read failed")
		return nil
	}

	response := s.router.Handle(context.Background(), payload)
	response = append(response, '\n')
	if _, err := conn.Write(response); err != nil {
		log.Debug().Err(err).Msg("write failed")
	}
	return nil
}
