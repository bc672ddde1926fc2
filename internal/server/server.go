// Package server contains main server code for the gRPC health service and the HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/logger"
	"github.com/eroshiva/rateable/pkg/metrics"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	tcpNetwork = "tcp"
	// ServiceName is the name the service reports on the gRPC health service.
	ServiceName = "rateable.v1.Ratings"
)

var zlog = logger.NewLogger("server")

// EventPublisher publishes rating events. *rabbitmq.Client implements it.
type EventPublisher interface {
	Publish(ctx context.Context, ev rabbitmq.RatingEvent) error
}

// Options holds the components the server exposes.
type Options struct {
	Store      store.Store
	Gateway    *ratings.Gateway
	Aggregator *ratings.Aggregator
	Metrics    *metrics.Metrics
	// Cache is optional, reads go to the store when it is nil.
	Cache *Cache
	// Publisher is optional, no events are published when it is nil.
	Publisher EventPublisher
}

type server struct {
	Options

	marshaler runtime.Marshaler
}

func newServer(opts Options) *server {
	return &server{
		Options: opts,
		marshaler: &runtime.JSONPb{
			MarshalOptions:   protojson.MarshalOptions{EmitUnpopulated: true},
			UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
		},
	}
}

// NewHandler returns the HTTP API without the health endpoint.
func NewHandler(opts Options) (http.Handler, error) {
	mux, err := newServer(opts).newMux()
	if err != nil {
		return nil, err
	}
	return traceID(mux), nil
}

func (srv *server) newMux(muxOpts ...runtime.ServeMuxOption) (*runtime.ServeMux, error) {
	muxOpts = append(muxOpts, runtime.WithMarshalerOption(runtime.MIMEWildcard, srv.marshaler))
	mux := runtime.NewServeMux(muxOpts...)
	if err := srv.registerRoutes(mux); err != nil {
		zlog.Error().Err(err).Msg("Failed to register HTTP routes")
		return nil, err
	}
	return mux, nil
}

func serve(grpcAddress, httpAddress string, opts Options, wg *sync.WaitGroup,
	termChan, readyChan, reverseProxyReadyChan, reverseProxyTermChan chan bool,
) {
	grpcReadyChan := make(chan bool, 1)
	lis, err := net.Listen(tcpNetwork, grpcAddress)
	if err != nil {
		zlog.Fatal().Err(err).Msgf("Failed to listen on %s", grpcAddress)
	}

	// Create a new gRPC server instance.
	s := grpc.NewServer()

	// Register the health service, the HTTP gateway reports it on /healthz.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Start the server.
	zlog.Info().Msgf("gRPC server listening at %v", lis.Addr())

	go func() {
		grpcReadyChan <- true
		// On testing will be nil
		if readyChan != nil {
			readyChan <- true
		}
		if err := s.Serve(lis); err != nil {
			zlog.Fatal().Err(err).Msgf("Failed to serve")
		}
	}()

	// starting reverse proxy
	wg.Go(func() {
		startReverseProxy(grpcAddress, httpAddress, newServer(opts), grpcReadyChan, reverseProxyReadyChan, reverseProxyTermChan)
	})

	// handle termination signals, a closed channel terminates as well
	<-termChan
	zlog.Info().Msg("Gracefully stopping gRPC server")
	healthServer.Shutdown()
	s.GracefulStop()
}

// startReverseProxy starts the HTTP API. Its /healthz endpoint queries the gRPC health service.
func startReverseProxy(grpcServerAddress, httpServerAddress string, srv *server,
	grpcReadyChan, reverseProxyReadyChan, reverseProxyTermChan chan bool,
) {
	// waiting for the gRPC server to start first
	<-grpcReadyChan
	zlog.Info().Msg("Starting reverse HTTP proxy")

	conn, err := grpc.NewClient(
		grpcServerAddress, // The address of the gRPC server
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to dial to gRPC server")
	}
	defer func() {
		if err := conn.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close connection to gRPC server")
		}
	}()

	mux, err := srv.newMux(runtime.WithHealthzEndpoint(healthpb.NewHealthClient(conn)))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register HTTP gateway")
	}

	// now, create and start the HTTP server (i.e., our gateway).
	gwServer := &http.Server{
		Addr:    httpServerAddress,
		Handler: traceID(mux),
	}
	lis, err := net.Listen(tcpNetwork, httpServerAddress)
	if err != nil {
		zlog.Fatal().Err(err).Msgf("Failed to listen on %s", httpServerAddress)
	}

	go func() {
		// On testing will be nil
		if reverseProxyReadyChan != nil {
			reverseProxyReadyChan <- true
		}
		if err := gwServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("Failed to serve HTTP gateway")
		}
	}()

	// handle termination signals
	<-reverseProxyTermChan
	zlog.Info().Msg("Gracefully stopping HTTP server")
	if err = gwServer.Shutdown(context.Background()); err != nil {
		zlog.Error().Err(err).Msg("Failed to gracefully shutdown HTTP gateway")
	}
}

// StartServer function configures and brings up the gRPC server and the HTTP API. It returns
// once termChan delivers or is closed.
func StartServer(gRPCServerAddress, httpServerAddress string, opts Options, wg *sync.WaitGroup,
	termChan, readyChan, reverseProxyReadyChan, reverseProxyTermChan chan bool,
) {
	zlog.Info().Msgf("Starting gRPC server...")
	serve(gRPCServerAddress, httpServerAddress, opts, wg, termChan, readyChan, reverseProxyReadyChan, reverseProxyTermChan)
}
