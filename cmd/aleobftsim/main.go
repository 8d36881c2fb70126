// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command aleobftsim wires a small in-process committee together over
// in-memory transport and adapters, mirroring the teacher's cmd/sim
// style of harness: useful for exercising the consensus core end to
// end without a real network or ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	aleobft "github.com/luxfi/aleobft"
	"github.com/luxfi/aleobft/adapters/memcrypto"
	"github.com/luxfi/aleobft/adapters/memledger"
	"github.com/luxfi/aleobft/config"
	"github.com/luxfi/aleobft/telemetry"
	"github.com/luxfi/aleobft/validator"
)

// loopbackTransport delivers every message synchronously to every
// validator registered on it, simulating an always-connected network
// with zero latency.
type loopbackTransport struct {
	mu         sync.Mutex
	self       aleobft.Address
	validators map[aleobft.Address]*validator.Validator
}

func (t *loopbackTransport) BroadcastPropose(p aleobft.Propose) {
	t.mu.Lock()
	targets := make([]*validator.Validator, 0, len(t.validators))
	for addr, v := range t.validators {
		if addr != t.self {
			targets = append(targets, v)
		}
	}
	t.mu.Unlock()
	for _, v := range targets {
		v.SubmitPropose(p)
	}
}

func (t *loopbackTransport) SendVote(to aleobft.Address, vote aleobft.Vote) {
	t.mu.Lock()
	v, ok := t.validators[to]
	t.mu.Unlock()
	if ok {
		v.SubmitVote(vote)
	}
}

func (t *loopbackTransport) BroadcastTimeout(tmo aleobft.Timeout) {
	t.mu.Lock()
	targets := make([]*validator.Validator, 0, len(t.validators))
	for addr, v := range t.validators {
		if addr != t.self {
			targets = append(targets, v)
		}
	}
	t.mu.Unlock()
	for _, v := range targets {
		v.SubmitTimeout(tmo)
	}
}

func main() {
	n := flag.Int("n", 4, "committee size (must be 3f+1)")
	f := flag.Int("f", 1, "tolerated faulty validators")
	duration := flag.Duration("duration", 10*time.Second, "how long to run the simulation")
	flag.Parse()

	if *n != 3*(*f)+1 {
		fmt.Fprintf(os.Stderr, "aleobftsim: n must equal 3f+1 (got n=%d f=%d)\n", *n, *f)
		os.Exit(1)
	}

	logger := log.NewNoOpLogger()

	members := make([]aleobft.Address, *n)
	for i := range members {
		members[i] = ids.GenerateTestNodeID()
	}

	genesisHash := aleobft.Digest{}
	genesisState := aleobft.Digest{1}
	genesisBlock := &aleobft.Block{Round: 0, Hash: genesisHash}

	keys := memcrypto.NewKeyRing()
	registry := make(map[aleobft.Address]*validator.Validator, *n)
	metrics := telemetry.NewMetrics(nil)

	transports := make(map[aleobft.Address]*loopbackTransport, *n)
	for _, self := range members {
		transports[self] = &loopbackTransport{self: self, validators: registry}
	}

	for _, self := range members {
		signer := memcrypto.NewSigner(self, keys)
		ledger := memledger.New(signer, genesisHash, genesisState)
		mempool := memledger.NewMempool()

		cfg := config.Config{
			Self:             self,
			Committee:        members,
			F:                *f,
			BaseRoundTimeout: 500 * time.Millisecond,
			BetaCommitGap:    250 * time.Millisecond,
			WindowSize:       10,
			ExcludeSize:      *f,
		}

		v, err := validator.New(cfg, validator.Genesis{Block: genesisBlock, StateID: genesisState}, ledger, mempool, signer, transports[self], telemetry.Logger(logger), metrics)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aleobftsim: construct validator %s: %v\n", self, err)
			os.Exit(1)
		}
		registry[self] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for _, v := range registry {
		wg.Add(1)
		go func(v *validator.Validator) {
			defer wg.Done()
			_ = v.Run(ctx)
		}(v)
	}
	wg.Wait()
}
