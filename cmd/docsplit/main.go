// docsplit gRPC Server
// Serves page manipulation of scanned loan files: redaction, rotation,
// splitting into typed documents and page deletion.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/docsplit/internal/logger"
	"github.com/nainya/docsplit/internal/metrics"
	"github.com/nainya/docsplit/internal/server"
	"github.com/nainya/docsplit/pkg/journal"
	"github.com/nainya/docsplit/pkg/manipulation"
	"github.com/nainya/docsplit/pkg/processor"
	"github.com/nainya/docsplit/pkg/store"
)

var (
	port        = flag.Int("port", 50051, "The gRPC server port")
	metricsPort = flag.Int("metrics-port", 9090, "The observability HTTP port (0 disables it)")
	journalPath = flag.String("journal", "docsplit.journal", "Session journal file path")
	pagesDir    = flag.String("pages", "pages", "Directory of source page rasters")
	outputDir   = flag.String("output", "output", "Directory for split output documents")
	docTypes    = flag.String("doc-types", "", "JSON document type catalog (empty skips type validation)")
	offering    = flag.String("offering", "", "Offering context used to filter the catalog")
	workers     = flag.Int("workers", processor.DefaultOptions().Workers, "Concurrent page renders per session")
	dpi         = flag.Float64("dpi", processor.DefaultOptions().DPI, "Output resolution")
	scanDPI     = flag.Float64("scan-dpi", 300, "Resolution of the source rasters")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logPretty   = flag.Bool("log-pretty", false, "Human-readable console logs")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{
		Level:  *logLevel,
		Pretty: *logPretty,
	})
	log := logger.GetGlobalLogger()
	log.LogServerStart(*port, *journalPath)

	if err := run(log); err != nil {
		log.Fatal("server failed").Err(err).Send()
	}
}

func run(log *logger.Logger) error {
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	stopUptime := make(chan struct{})
	defer close(stopUptime)
	go m.RunUptime(15*time.Second, stopUptime)

	var catalog manipulation.TypeCatalog
	if *docTypes != "" {
		c, err := store.LoadCatalog(*docTypes)
		if err != nil {
			return fmt.Errorf("load document types: %w", err)
		}
		catalog = c
	}

	j, err := journal.Open(*journalPath, log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	log.WithFields(map[string]interface{}{
		"pages_dir":  *pagesDir,
		"output_dir": *outputDir,
		"workers":    *workers,
		"dpi":        *dpi,
		"scan_dpi":   *scanDPI,
	}).Info("page storage configured").Send()

	src := processor.NewTIFFStore(*pagesDir, *scanDPI)
	sink := processor.NewTIFFStore(*outputDir, *dpi)
	proc := processor.New(src, sink, processor.Options{Workers: *workers, DPI: *dpi}, log, m)
	defer proc.Close()

	orch := manipulation.New(manipulation.Deps{
		Repository: store.NewMemoryStore(),
		Catalog:    catalog,
		Backend:    proc,
		Pages:      proc,
	}, manipulation.Options{
		Offering: *offering,
		Logger:   log,
		Metrics:  m,
		Journal:  j,
	})

	// the local processor keeps no state across restarts, so resumed
	// sessions only re-enter processing and surface once polled
	n, err := orch.Resume(context.Background())
	if err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}
	if n > 0 {
		log.Info("resumed sessions from journal").Int("sessions", n).Send()
	}
	if err := j.Compact(); err != nil {
		log.Warn("journal compaction failed").Err(err).Send()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.Register(grpcServer, server.NewServer(orch, log))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	var obs *server.ObservabilityServer
	if *metricsPort > 0 {
		obs = server.NewObservabilityServer(*metricsPort, prometheus.DefaultGatherer, nil, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error("observability server stopped").Err(err).Send()
			}
		}()
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		healthServer.Shutdown()
		if obs != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		}
		grpcServer.GracefulStop()
	}()

	log.LogServerReady(*port)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}
