// Soak runner for long-uptime operation of the link bandwidth estimator.
//
// It drives an estimator through simulated hours of bursty cellular traffic
// while the device roams across far more cells than the statistics store can
// hold, toggles the screen and switches technologies. It checks that memory
// stays bounded, the store never exceeds its capacity and every published
// estimate is positive.
//
// Simulated time runs as fast as the CPU allows:
//
//	go run ./cmd/soak -duration 24h -cells 5000
//
// Exposes pprof endpoint at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/lbe/pkg/lbe"
	"github.com/thesyncim/lbe/pkg/lbe/testutil"
)

const (
	cellDwellTicks   = 120 // ticks spent on one cell
	screenCycleTicks = 3600
	statusInterval   = 6 * time.Hour // simulated
	heapLimitMB      = 100
)

// SoakResult contains the results of a soak test run.
type SoakResult struct {
	Simulated        time.Duration
	Wall             time.Duration
	Ticks            int
	Polls            int
	Publishes        int
	PeakTrackedCells int
	FinalEstimate    lbe.Estimate
	PeakHeapMB       float64
	TotalGCCycles    uint32
	SuspiciousEvents int
	Status           string
}

func main() {
	duration := flag.Duration("duration", 24*time.Hour, "Simulated duration (e.g., 1h, 24h)")
	cells := flag.Int("cells", 5000, "Number of distinct cells visited")
	maxCells := flag.Int("max-tracked-cells", 1024, "Statistics store capacity")
	seed := flag.Uint64("seed", 1, "Random seed")
	verbose := flag.Bool("v", false, "Log estimator events")
	pprofPort := flag.Int("pprof-port", 6060, "Port for pprof HTTP server")
	flag.Parse()

	fmt.Printf("LBE Soak Test Runner\n")
	fmt.Printf("====================\n")
	fmt.Printf("Simulated duration: %v\n", *duration)
	fmt.Printf("Cells:              %d (store capacity %d)\n", *cells, *maxCells)
	fmt.Printf("Pprof:              http://localhost:%d/debug/pprof/\n", *pprofPort)
	fmt.Printf("\n")

	go func() {
		addr := fmt.Sprintf(":%d", *pprofPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("Warning: pprof server failed: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}

	result := runSoakTest(ctx, soakParams{
		duration: *duration,
		cells:    *cells,
		maxCells: *maxCells,
		rng:      rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)),
		log:      log,
	})
	printSummary(result)

	if result.Status == "PASS" {
		os.Exit(0)
	}
	os.Exit(1)
}

type soakParams struct {
	duration time.Duration
	cells    int
	maxCells int
	rng      *rand.Rand
	log      *zap.Logger
}

func runSoakTest(ctx context.Context, p soakParams) SoakResult {
	result := SoakResult{Status: "PASS"}

	counters := testutil.NewFakeCounters()
	radio := testutil.NewFakeRadio()
	carrierCfg := testutil.NewStaticCarrier(lbe.Bounds{TxKbps: 14, RxKbps: 14})
	carrierCfg.Set("NR", lbe.Bounds{TxKbps: 18000, RxKbps: 47000})

	consumer := lbe.ConsumerFunc(func(est lbe.Estimate) {
		result.Publishes++
		result.FinalEstimate = est
		if est.TxKbps <= 0 || est.RxKbps <= 0 {
			fmt.Printf("ERROR: non-positive estimate published: %+v\n", est)
			result.SuspiciousEvents++
			result.Status = "FAIL"
		}
	})

	config := lbe.DefaultConfig()
	config.Stats.MaxTrackedCells = p.maxCells
	config.Poller.PollTimeout = 30 * time.Second
	est, err := lbe.NewEstimator(config, lbe.Environment{
		Counters: counters,
		Radio:    radio,
		Carrier:  carrierCfg,
		Consumer: consumer,
	}, lbe.WithLogger(p.log))
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		result.Status = "FAIL"
		return result
	}

	tickMs := config.Sampler.TickInterval.Milliseconds()
	totalTicks := int(p.duration / config.Sampler.TickInterval)
	activity := testutil.NewActivityTrace(0, 0, 0)
	var memStats runtime.MemStats
	lastStatus := time.Duration(0)
	start := time.Now()

	est.HandleRadioTechChanged(lbe.TechLTE)
	est.HandleScreenState(true)
	est.HandleDefaultNetwork(lbe.TransportCellular)

	for tick := 0; tick < totalTicks; tick++ {
		if tick%1000 == 0 && ctx.Err() != nil {
			break
		}
		simulated := time.Duration(tick) * config.Sampler.TickInterval

		if tick%cellDwellTicks == 0 {
			id := p.rng.IntN(p.cells)
			operator := "260"
			if id%7 == 0 {
				operator = "410"
			}
			est.HandleCellChanged(lbe.CellKey{MCC: "310", MNC: operator, TAC: int32(id / 64), CellID: int64(id)})
			if p.rng.IntN(10) == 0 {
				tech := lbe.TechLTE
				if p.rng.IntN(2) == 0 {
					tech = lbe.TechNR
				}
				est.HandleRadioTechChanged(tech)
			}
			est.HandleSignalLevelChanged(p.rng.IntN(5))
		}
		if tick%screenCycleTicks == screenCycleTicks-60 {
			est.HandleScreenState(false)
		}
		if tick%screenCycleTicks == 0 {
			est.HandleScreenState(true)
		}

		// Bursty traffic: mostly idle, sometimes a download.
		var tx, rx int64
		if p.rng.IntN(4) == 0 {
			rx = 500_000 + p.rng.Int64N(4_000_000)
			tx = rx / 10
		}
		counters.Advance(tickMs, tx, rx)

		requests := radio.Requests()
		est.Tick()
		if radio.Requests() > requests {
			result.Polls++
		}

		// The modem answers most polls promptly; some replies are lost.
		if radio.Pending() > 0 && p.rng.IntN(20) != 0 {
			wall := int64(5000 + p.rng.IntN(100))
			radio.Reply(activity.Next(wall, wall/20, wall/4))
		} else if radio.Pending() > 3 {
			for radio.Pending() > 0 {
				radio.Reply(activity.Current())
			}
		}

		result.Ticks++
		if n := est.Snapshot().TrackedCells; n > result.PeakTrackedCells {
			result.PeakTrackedCells = n
			if n > p.maxCells {
				fmt.Printf("[%s] ERROR: store holds %d cells, capacity %d\n", formatDuration(simulated), n, p.maxCells)
				result.SuspiciousEvents++
				result.Status = "FAIL"
			}
		}

		if simulated-lastStatus >= statusInterval {
			lastStatus = simulated
			runtime.ReadMemStats(&memStats)
			heapMB := float64(memStats.HeapAlloc) / (1024 * 1024)
			if heapMB > result.PeakHeapMB {
				result.PeakHeapMB = heapMB
			}
			result.TotalGCCycles = memStats.NumGC

			cur := est.CurrentEstimate()
			fmt.Printf("[%s] Ticks: %d, Polls: %d, Cells: %d, Estimate: %d/%d kbps (tx/rx), HeapAlloc: %.2f MB\n",
				formatDuration(simulated), result.Ticks, result.Polls, result.PeakTrackedCells,
				cur.TxKbps, cur.RxKbps, heapMB)

			if heapMB > heapLimitMB {
				fmt.Printf("[%s] ERROR: Memory limit exceeded: %.2f MB\n", formatDuration(simulated), heapMB)
				result.Status = "FAIL"
			}
		}
	}

	result.Simulated = time.Duration(result.Ticks) * config.Sampler.TickInterval
	result.Wall = time.Since(start)
	if result.Publishes == 0 {
		result.Status = "FAIL"
	}
	return result
}

func printSummary(result SoakResult) {
	fmt.Printf("\n")
	fmt.Printf("Soak Test Complete\n")
	fmt.Printf("==================\n")
	fmt.Printf("Simulated:          %v\n", result.Simulated)
	fmt.Printf("Wall clock:         %v\n", result.Wall.Round(time.Millisecond))
	fmt.Printf("Ticks:              %d\n", result.Ticks)
	fmt.Printf("Polls:              %d\n", result.Polls)
	fmt.Printf("Publishes:          %d\n", result.Publishes)
	fmt.Printf("Peak tracked cells: %d\n", result.PeakTrackedCells)
	fmt.Printf("Final estimate:     %d/%d kbps (tx/rx)\n", result.FinalEstimate.TxKbps, result.FinalEstimate.RxKbps)
	fmt.Printf("Peak HeapAlloc:     %.2f MB\n", result.PeakHeapMB)
	fmt.Printf("Total GC cycles:    %d\n", result.TotalGCCycles)
	fmt.Printf("Suspicious events:  %d\n", result.SuspiciousEvents)
	fmt.Printf("Status:             %s\n", result.Status)
	fmt.Printf("\n")

	fmt.Printf("Pass Criteria:\n")
	fmt.Printf("  - No panics:              %s\n", checkMark(true))
	fmt.Printf("  - Estimates published:    %s\n", checkMark(result.Publishes > 0))
	fmt.Printf("  - Peak memory < 100 MB:   %s\n", checkMark(result.PeakHeapMB < heapLimitMB))
	fmt.Printf("  - No anomalies:           %s\n", checkMark(result.SuspiciousEvents == 0))
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
