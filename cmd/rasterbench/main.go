// Command rasterbench materializes a blurred synthetic image into a disk
// cache and hammers it with Zipf-distributed window reads, exposing optional
// pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/rastercache/internal/synth"
	pmet "github.com/IvanBrykalov/rastercache/metrics/prom"
	"github.com/IvanBrykalov/rastercache/pixel"
	"github.com/IvanBrykalov/rastercache/policy/twoq"
	"github.com/IvanBrykalov/rastercache/raster"
	"github.com/IvanBrykalov/rastercache/resource"
)

func main() {
	// ---- Flags ----
	var (
		size      = flag.Int("size", 2048, "image side in pixels")
		blockSide = flag.Int("block", 256, "disk cache block side (multiple of 16)")
		poolMiB   = flag.Int64("pool", 64, "decoded block pool capacity (MiB)")
		policyArg = flag.String("policy", "lru", "block eviction policy: lru | 2q")
		handles   = flag.Int("handles", resource.DefaultHandleCapacity, "open native handle limit")
		compress  = flag.String("compress", "lz4", "disk cache compression: none | lz4 | zstd | s2")
		fileType  = flag.String("type", raster.DefaultFileType, "disk cache file type")
		dir       = flag.String("dir", "", "disk cache directory (default: os.TempDir)")
		radius    = flag.Float64("blur", 4, "Gaussian blur radius of the upstream computation")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of reader goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		window   = flag.Int("window", 300, "read window side in pixels")
		zipfS    = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV    = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr; empty = disabled")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *window > *size {
		*window = *size
	}

	// Ctrl-C aborts materialization and ends the load run early.
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Info("pprof: serving", "addr", *pprofAddr)
			log.Error("pprof", "err", http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	blockMetrics := pmet.New(nil, "rastercache", "blocks", nil)
	handleMetrics := pmet.New(nil, "rastercache", "handles", nil)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", "addr", *metricsAddr)
			log.Error("metrics", "err", http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	// ---- Build pool and backend context ----
	poolOpt := raster.PoolOptions{
		Capacity: *poolMiB << 20,
		Metrics:  blockMetrics,
		Logger:   log,
	}
	switch *policyArg {
	case "lru":
		// nil => LRU by default
	case "2q":
		// Queue sizes are in blocks: ~25% A1in, ~50% ghosts.
		blocks := max(int(poolOpt.Capacity/blockBytes(*blockSide)), 4)
		poolOpt.Policy = twoq.New(blocks/4, blocks/2)
	default:
		log.Error("unknown policy (use lru or 2q)", "policy", *policyArg)
		os.Exit(2)
	}
	pool := raster.NewPool(poolOpt)
	defer func() { _ = pool.Close() }()

	rc := resource.NewContext(resource.ContextOptions{
		HandleCapacity: *handles,
		Logger:         log,
		Metrics:        handleMetrics,
	})
	defer func() { _ = rc.Close() }()

	// ---- Upstream: an expensive computation, evaluated once ----
	start := time.Now()
	upstream := raster.ImageView(synth.Blur(synth.HSVWheel(*size, *size), *radius))
	log.Info("upstream computed", "took", time.Since(start), "format", upstream.Format().String())

	start = time.Now()
	view, err := raster.NewDiskCacheView(upstream,
		raster.WithDir(*dir),
		raster.WithFileType(*fileType),
		raster.WithBlockSize(image.Pt(*blockSide, *blockSide)),
		raster.WithCreateOptions(resource.Options{resource.OptCompress: *compress}),
		raster.WithProgress(progressLogger(log)),
		raster.WithContext(runCtx),
		raster.WithRasterOptions(raster.WithPool(pool), raster.WithResources(rc), raster.WithLogger(log)),
	)
	if err != nil {
		log.Error("materialize", "err", err)
		os.Exit(1)
	}
	defer func() { _ = view.Close() }()
	fileSize := int64(0)
	if st, err := os.Stat(view.Name()); err == nil {
		fileSize = st.Size()
	}
	log.Info("disk cache ready", "name", view.Name(), "took", time.Since(start),
		"file", humanize.IBytes(uint64(fileSize)), "raw", humanize.IBytes(uint64(view.Format().Bytes())))

	// ---- Snapshot flags for goroutines ----
	workersN := max(*workers, 1)
	span := uint64(*size - *window)
	win := *window
	seedBase := *seed

	// ---- Load generation ----
	var reads, failed, pixels uint64
	ctx, cancel := context.WithTimeout(runCtx, *duration)
	defer cancel()

	start = time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			var zipf *rand.Zipf
			if span > 0 {
				zipf = rand.NewZipf(localR, *zipfS, *zipfV, span)
			}
			pick := func() int {
				if zipf == nil {
					return 0
				}
				return int(zipf.Uint64())
			}
			dst := pixel.NewBuffer(view.Format().WithSize(win, win))

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				x, y := pick(), pick()
				atomic.AddUint64(&reads, 1)
				if err := view.Rasterize(dst, image.Rect(x, y, x+win, y+win)); err != nil {
					atomic.AddUint64(&failed, 1)
					log.Debug("read failed", "x", x, "y", y, "err", err)
					continue
				}
				atomic.AddUint64(&pixels, uint64(win*win))
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	st := pool.Stats()
	hs := rc.HandleStats()
	readsN := atomic.LoadUint64(&reads)
	hitRate := 0.0
	if st.Hits+st.Misses > 0 {
		hitRate = float64(st.Hits) / float64(st.Hits+st.Misses) * 100
	}

	fmt.Printf("policy=%s pool=%s block=%d window=%d workers=%d dur=%v seed=%d\n",
		*policyArg, humanize.IBytes(uint64(pool.Capacity())), *blockSide, win, workersN, elapsed, seedBase)
	fmt.Printf("reads=%d (%.0f reads/s, %s px/s)  failed=%d\n",
		readsN, float64(readsN)/elapsed.Seconds(),
		humanize.SIWithDigits(float64(atomic.LoadUint64(&pixels))/elapsed.Seconds(), 1, ""),
		atomic.LoadUint64(&failed))
	fmt.Printf("blocks: hits=%d misses=%d hit-rate=%.2f%% generations=%d evictions=%d resident=%s\n",
		st.Hits, st.Misses, hitRate, st.Generations, st.Evictions, humanize.IBytes(uint64(st.Cost)))
	fmt.Printf("handles: open=%d generations=%d evictions=%d\n", hs.Resident, hs.Generations, hs.Evictions)
}

func blockBytes(side int) int64 {
	return pixel.ImageFormat{Cols: side, Rows: side, Planes: 1, PixelFormat: pixel.RGBA, ChannelType: pixel.Uint8}.Bytes()
}

// progressLogger logs materialization progress at every tenth.
func progressLogger(log *slog.Logger) func(done, total int) {
	var last atomic.Int64
	return func(done, total int) {
		tenth := int64(done * 10 / total)
		if prev := last.Load(); tenth > prev && last.CompareAndSwap(prev, tenth) {
			log.Info("materializing", "done", done, "total", total)
		}
	}
}
