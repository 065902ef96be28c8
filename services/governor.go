package services

import (
	"context"
	"fmt"
)

// Gate identifies one of the governor's two bounded-parallelism gates
type Gate int

const (
	// GateRaster bounds concurrent CPU-bound page rasterization work
	GateRaster Gate = iota
	// GateInference bounds concurrent outbound LLM calls, process-wide
	GateInference
)

// Governor holds the process-wide concurrency gates. Every rasterization and
// every LLM call in the pipeline goes through its gate; no operation may
// bypass it. A token must never be held across a retry backoff sleep.
type Governor struct {
	raster    chan struct{}
	inference chan struct{}
}

// NewGovernor creates a governor with the given gate widths
func NewGovernor(rasterWidth, inferenceWidth int) *Governor {
	if rasterWidth <= 0 {
		rasterWidth = 2
	}
	if inferenceWidth <= 0 {
		inferenceWidth = 5
	}
	return &Governor{
		raster:    make(chan struct{}, rasterWidth),
		inference: make(chan struct{}, inferenceWidth),
	}
}

// Acquire blocks until a gate token is available or the context is cancelled
func (g *Governor) Acquire(ctx context.Context, gate Gate) error {
	ch, err := g.gate(gate)
	if err != nil {
		return err
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the gate. Must be called exactly once per
// successful Acquire, on every exit path.
func (g *Governor) Release(gate Gate) {
	ch, err := g.gate(gate)
	if err != nil {
		return
	}
	select {
	case <-ch:
	default:
		// Release without a matching Acquire is a programming error;
		// swallowing it beats corrupting the gate width.
	}
}

// InFlight returns the number of tokens currently held on a gate
func (g *Governor) InFlight(gate Gate) int {
	ch, err := g.gate(gate)
	if err != nil {
		return 0
	}
	return len(ch)
}

func (g *Governor) gate(gate Gate) (chan struct{}, error) {
	switch gate {
	case GateRaster:
		return g.raster, nil
	case GateInference:
		return g.inference, nil
	default:
		return nil, fmt.Errorf("unknown gate %d", gate)
	}
}
