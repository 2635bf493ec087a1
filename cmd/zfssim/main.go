package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zfssim/zfssim/internal/device"
	"github.com/zfssim/zfssim/internal/exporter"
	"github.com/zfssim/zfssim/internal/pool"
	"github.com/zfssim/zfssim/internal/vdev"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

type httpBuffer struct {
	b          bytes.Buffer
	h          hash.Hash
	tee        io.Writer
	statusCode int
	headers    http.Header
}

func newHTTPBuffer() *httpBuffer {
	b := &httpBuffer{
		headers:    make(http.Header),
		h:          sha256.New(),
		statusCode: 200,
	}
	b.tee = io.MultiWriter(&b.b, b.h)
	return b
}

func (b *httpBuffer) Header() http.Header        { return b.headers }
func (b *httpBuffer) WriteHeader(statusCode int)  { b.statusCode = statusCode }
func (b *httpBuffer) Write(p []byte) (int, error) { return b.tee.Write(p) }
func (b *httpBuffer) Read(p []byte) (int, error)  { return b.b.Read(p) }
func (b *httpBuffer) Sum() string                 { return string(b.h.Sum(nil)) }

func (b *httpBuffer) Reset() {
	b.b.Reset()
	b.h.Reset()
	b.statusCode = 200
	for k := range b.headers {
		delete(b.headers, k)
	}
}

func runTextFileOutput(ctx context.Context, handler http.Handler, path string) (func(), error) {
	var (
		ticker  = time.NewTicker(15 * time.Second)
		buffer  = newHTTPBuffer()
		oldHash = ""
	)

	run := func() error {
		defer buffer.Reset()
		req, err := http.NewRequest("GET", "/metrics", nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		handler.ServeHTTP(buffer, req)
		if (buffer.statusCode / 100) != 2 {
			return fmt.Errorf("unexpected status code: %d", buffer.statusCode)
		}

		if hash := buffer.Sum(); hash == oldHash {
			logger.Debug().Msg("no change in metrics")
			return nil
		} else {
			oldHash = hash
		}

		f, err := os.Create(path + ".$$")
		if err != nil {
			return fmt.Errorf("error creating text file: %w", err)
		}
		if _, err := io.Copy(f, buffer); err != nil {
			return fmt.Errorf("error writing text file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("error closing text file: %w", err)
		}
		if err := os.Rename(path+".$$", path); err != nil {
			return fmt.Errorf("error renaming text file: %w", err)
		}
		logger.Info().Msgf("wrote text file: %s", path)
		return nil
	}

	if err := run(); err != nil {
		return nil, err
	}

	return func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := run(); err != nil {
					logger.Error().Msgf("error writing text file: %v", err)
				}
			}
		}
	}, nil
}

var flags struct {
	listenAddr     string
	logLevel       string
	textFileOutput string

	poolName    string
	layout      string
	deviceCount int
	deviceSize  int
	blockSize   int

	scrubInterval time.Duration
	scrubRepair   bool
}

func main() {
	app := &cli.App{
		Name:   "zfssim",
		Usage:  "simulated copy-on-write block storage pool, with Prometheus metrics",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen-addr",
				Value:       ":9129",
				Usage:       "listen address for metrics http server",
				Destination: &flags.listenAddr,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "info",
				Usage:       "log level for daemon",
				Destination: &flags.logLevel,
			},
			&cli.StringFlag{
				Name:        "text-file-output",
				Value:       "",
				Usage:       "file path for node-exporter text file",
				Destination: &flags.textFileOutput,
			},
			&cli.StringFlag{
				Name:        "pool-name",
				Value:       "tank",
				Usage:       "name of the simulated pool",
				Destination: &flags.poolName,
			},
			&cli.StringFlag{
				Name:        "layout",
				Value:       "mirror",
				Usage:       "vdev layout: mirror or stripe",
				Destination: &flags.layout,
			},
			&cli.IntFlag{
				Name:        "device-count",
				Value:       2,
				Usage:       "number of physical devices in the vdev",
				Destination: &flags.deviceCount,
			},
			&cli.IntFlag{
				Name:        "device-size",
				Value:       1 << 20,
				Usage:       "size in bytes of each physical device",
				Destination: &flags.deviceSize,
			},
			&cli.IntFlag{
				Name:        "block-size",
				Value:       4096,
				Usage:       "block size in bytes",
				Destination: &flags.blockSize,
			},
			&cli.DurationFlag{
				Name:        "scrub-interval",
				Value:       0,
				Usage:       "if set and layout is mirror, periodically scrub for integrity (0 disables)",
				Destination: &flags.scrubInterval,
			},
			&cli.BoolFlag{
				Name:        "scrub-repair",
				Value:       false,
				Usage:       "rewrite divergent mirror replicas found during a scrub",
				Destination: &flags.scrubRepair,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildVdev() (device.Device, error) {
	children := make([]device.Device, flags.deviceCount)
	for i := range children {
		children[i] = device.NewPhysical(fmt.Sprintf("%s-disk%d", flags.poolName, i), flags.deviceSize, flags.blockSize)
	}

	switch flags.layout {
	case "mirror":
		return vdev.NewMirror(flags.poolName+"-vdev0", children, logger), nil
	case "stripe":
		return vdev.NewStripe(flags.poolName+"-vdev0", children, logger), nil
	default:
		return nil, fmt.Errorf("unknown layout %q, want mirror or stripe", flags.layout)
	}
}

// runScrub periodically checks a mirror's replicas for agreement,
// repairing divergent blocks when requested, until ctx is canceled.
// Non-mirror layouts have no replicas to compare, so run only starts it
// when the top-level vdev is a mirror.
func runScrub(ctx context.Context, m *vdev.Mirror, interval time.Duration, repair bool) func() error {
	return func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				ok, err := m.CheckAllIntegrity(repair)
				if err != nil {
					logger.Error().Msgf("scrub encountered errors: %v", err)
					continue
				}
				if !ok {
					logger.Warn().Msg("scrub found unrepaired divergent blocks")
				} else {
					logger.Debug().Msg("scrub completed, all blocks consistent")
				}
			}
		}
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lvl, err := zerolog.ParseLevel(flags.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger = logger.Level(lvl)

	topVdev, err := buildVdev()
	if err != nil {
		return fmt.Errorf("error building vdev: %w", err)
	}
	if !topVdev.AttemptBringOnline() {
		return fmt.Errorf("vdev %s failed to come online", topVdev)
	}

	simPool, err := pool.New(flags.poolName, []device.Device{topVdev}, logger)
	if err != nil {
		return fmt.Errorf("error creating pool: %w", err)
	}
	logger.Info().Msgf("pool %s online: %d blocks of %d bytes", flags.poolName, simPool.GetNumBlocks(), simPool.GetBlockSize())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())

	collectorPool := exporter.NewCollector(flags.poolName, simPool, []exporter.Vdev{
		{Name: flags.poolName + "-vdev0", Device: topVdev},
	}, logger)
	reg.MustRegister(collectorPool)

	g, ctx := errgroup.WithContext(ctx)

	if mirror, isMirror := topVdev.(*vdev.Mirror); isMirror && flags.scrubInterval > 0 {
		g.Go(runScrub(ctx, mirror, flags.scrubInterval, flags.scrubRepair))
	}

	srv := &http.Server{Addr: flags.listenAddr}
	mux := http.NewServeMux()
	srv.Handler = mux

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	mux.Handle("/metrics", metricsHandler)

	go func() {
		<-ctx.Done()
		logger.Debug().Msg("shutting down http server")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Msgf("error shutting down http server: %v", err)
		}
	}()

	if flags.textFileOutput != "" {
		regTextFile := prometheus.NewRegistry()
		regTextFile.MustRegister(collectorPool)
		textFileHandler := promhttp.HandlerFor(regTextFile, promhttp.HandlerOpts{EnableOpenMetrics: true})

		f, err := runTextFileOutput(ctx, textFileHandler, flags.textFileOutput)
		if err != nil {
			return fmt.Errorf("error running text file output: %w", err)
		}
		g.Go(func() error {
			f()
			return nil
		})
	}

	g.Go(srv.ListenAndServe)

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error running: %w", err)
	}
	return nil
}
