// Command fusion-card-bench drives a card.Serializer against a software
// stand-in driver and prints the busy/idle ratio spec.md §4.5's busy/idle
// accounting tracks, since no real accelerator is available in this demo.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fusion-ipc/fusion"
	"github.com/fusion-ipc/fusion/card"
	"github.com/fusion-ipc/fusion/sharedroot"
)

var (
	worldIndex   int
	iterations   int
	rectSize     int
	interval     time.Duration
	sleepPerRect time.Duration
	debug        bool
)

func main() {
	// Satisfies fusion.Debugf's flag.Parsed() guard without consuming the
	// real argv, which cobra/pflag parse instead; see cmd/fusion-ping.
	flag.CommandLine.Parse(nil)

	root := &cobra.Command{
		Use:   "fusion-card-bench",
		Short: "Drive the card serializer with a software stand-in driver and log busy/idle ratio",
		RunE:  run,
	}
	root.Flags().IntVar(&worldIndex, "world", 0, "world index the serializer accounts against")
	root.Flags().IntVar(&iterations, "iterations", 2000, "number of fill-rectangle primitives to submit")
	root.Flags().IntVar(&rectSize, "rect-size", 64, "edge length of each submitted rectangle")
	root.Flags().DurationVar(&interval, "interval", time.Second, "busy/idle accounting interval")
	root.Flags().DurationVar(&sleepPerRect, "work", 50*time.Microsecond, "simulated per-rectangle device time")
	root.Flags().BoolVar(&debug, "debug", false, "enable card debug logging")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if debug {
		fusion.SetDebugLogger(log.New(os.Stderr, "fusion-card-bench: ", log.Ltime|log.Lmicroseconds))
	}

	rootState := sharedroot.NewRoot(worldIndex, 1, timeutil.RealClock().Now())
	driver := newStandInDriver(sleepPerRect)
	serializer := card.NewSerializer(1, rootState, driver, timeutil.RealClock(), false /* earlyEmit */, interval)

	reg := prometheus.NewRegistry()
	if err := reg.Register(serializer.BusyGauge()); err != nil {
		return fmt.Errorf("register busy gauge: %w", err)
	}

	dst := card.NewSurfaceRef(1, card.Rect{X: 0, Y: 0, W: 4096, H: 4096})
	state := card.NewState(dst)
	state.HolderID = 1
	state.Clip = dst.Bounds

	fmt.Printf("fusion-card-bench: submitting %d fill rectangles (%dx%d) to the software driver\n",
		iterations, rectSize, rectSize)

	for i := 0; i < iterations; i++ {
		rects := []card.Rect{randomRect(rectSize, dst.Bounds)}
		if err := card.FillRectangles(serializer, state, rects, card.Color(rand.Uint32()), nil); err != nil {
			return fmt.Errorf("fill rectangle %d: %w", i, err)
		}
	}

	if err := serializer.Flush(); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	gathered, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range gathered {
		for _, m := range mf.GetMetric() {
			fmt.Printf("fusion-card-bench: %s = %.4f\n", mf.GetName(), m.GetGauge().GetValue())
		}
	}

	return nil
}

func randomRect(size int, bounds card.Rect) card.Rect {
	x := rand.Intn(bounds.W - size)
	y := rand.Intn(bounds.H - size)
	return card.Rect{X: x, Y: y, W: size, H: size}
}
