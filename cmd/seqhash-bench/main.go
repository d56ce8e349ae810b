// Copyright (c) 2026 The seqhash Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package main provides seqhash-bench, a workload driver for the
// seqhash tables: it runs configurable operation mixes against either
// table variant across many goroutines and reports throughput.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"seqhash"
)

var (
	errUnknownTable = errors.New("unknown table variant")
	errBadMix       = errors.New("operation mix must sum to 100")
)

// opKind tags one table operation in a workload mix.
type opKind int

const (
	opFind opKind = iota
	opInsert
	opInsertOrAssign
	opErase
	opUpdate
	opUpsert
	opKinds
)

var opNames = [opKinds]string{"find", "insert", "insert_or_assign", "erase", "update", "upsert"}

// Mix is the percentage of each operation in a workload.
type Mix struct {
	Find           uint32 `toml:"find"`
	Insert         uint32 `toml:"insert"`
	InsertOrAssign uint32 `toml:"insert_or_assign"`
	Erase          uint32 `toml:"erase"`
	Update         uint32 `toml:"update"`
	Upsert         uint32 `toml:"upsert"`
}

func (m Mix) total() uint32 {
	return m.Find + m.Insert + m.InsertOrAssign + m.Erase + m.Update + m.Upsert
}

// thresholds flattens the mix into cumulative bounds for a 0..99 roll.
func (m Mix) thresholds() [opKinds]uint32 {
	cum := [opKinds]uint32{}
	acc := uint32(0)
	for i, share := range [opKinds]uint32{m.Find, m.Insert, m.InsertOrAssign, m.Erase, m.Update, m.Upsert} {
		acc += share
		cum[i] = acc
	}
	return cum
}

// Workload is one benchmark configuration, loadable from TOML.
type Workload struct {
	Name        string `toml:"name"`
	Table       string `toml:"table"`
	Capacity    uint64 `toml:"capacity"`
	KeySpace    uint64 `toml:"key_space"`
	PrefillPct  uint32 `toml:"prefill_pct"`
	Threads     int    `toml:"threads"`
	Ops         uint64 `toml:"ops"`
	Seed        int64  `toml:"seed"`
	Mix         Mix    `toml:"mix"`
}

// Config is the TOML file layout: a list of workloads.
type Config struct {
	Workloads []Workload `toml:"workload"`
}

// Result is one workload's outcome, serialized to the result file.
type Result struct {
	Name       string            `json:"name"`
	Table      string            `json:"table"`
	Threads    int               `json:"threads"`
	Ops        uint64            `json:"ops"`
	Elapsed    string            `json:"elapsed"`
	OpsPerSec  float64           `json:"ops_per_sec"`
	FinalSize  uint64            `json:"final_size"`
	OpCounts   map[string]uint64 `json:"op_counts"`
	GoMaxProcs int               `json:"gomaxprocs"`
}

// table is the slice of the seqhash surface the driver exercises.
type table interface {
	Find(uint64) (uint64, bool)
	Insert(uint64, uint64) bool
	InsertOrAssign(uint64, uint64) bool
	Erase(uint64) bool
	Update(uint64, uint64) bool
	Upsert(uint64, func(*uint64), uint64) bool
	Size() uint64
}

func newTable(kind string, capacity uint64) (table, error) {
	switch kind {
	case "cuckoo":
		return seqhash.NewCuckooTable[uint64, uint64](capacity, seqhash.Uint64Hasher(1), seqhash.EqualKeys[uint64]), nil
	case "rh":
		return seqhash.NewRHTable[uint64, uint64](capacity, seqhash.Uint64Hasher(1), seqhash.EqualKeys[uint64]), nil
	default:
		return nil, fmt.Errorf("%q: %w", kind, errUnknownTable)
	}
}

func runWorkload(w Workload) (Result, error) {
	tab, err := newTable(w.Table, w.Capacity)
	if err != nil {
		return Result{}, err
	}
	if w.Mix.total() != 100 {
		return Result{}, fmt.Errorf("%s sums to %d: %w", w.Name, w.Mix.total(), errBadMix)
	}

	prefill := w.KeySpace * uint64(w.PrefillPct) / 100
	rng := rand.New(rand.NewSource(w.Seed))
	for i := uint64(0); i < prefill; i++ {
		tab.Insert(uint64(rng.Int63())%w.KeySpace, i)
	}

	bounds := w.Mix.thresholds()
	perThread := w.Ops / uint64(w.Threads)
	counts := make([]([opKinds]uint64), w.Threads)

	var wg sync.WaitGroup
	start := time.Now()
	for th := 0; th < w.Threads; th++ {
		wg.Add(1)
		go func(th int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(w.Seed + int64(th) + 1))
			local := [opKinds]uint64{}
			for i := uint64(0); i < perThread; i++ {
				key := uint64(rng.Int63()) % w.KeySpace
				roll := uint32(rng.Intn(100))
				op := opFind
				for roll >= bounds[op] {
					op++
				}
				switch op {
				case opFind:
					tab.Find(key)
				case opInsert:
					tab.Insert(key, key)
				case opInsertOrAssign:
					tab.InsertOrAssign(key, key)
				case opErase:
					tab.Erase(key)
				case opUpdate:
					tab.Update(key, key)
				case opUpsert:
					tab.Upsert(key, func(v *uint64) { *v++ }, key)
				}
				local[op]++
			}
			counts[th] = local
		}(th)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := map[string]uint64{}
	for _, local := range counts {
		for op, n := range local {
			if n > 0 {
				total[opNames[op]] += n
			}
		}
	}

	done := perThread * uint64(w.Threads)
	return Result{
		Name:       w.Name,
		Table:      w.Table,
		Threads:    w.Threads,
		Ops:        done,
		Elapsed:    elapsed.String(),
		OpsPerSec:  float64(done) / elapsed.Seconds(),
		FinalSize:  tab.Size(),
		OpCounts:   total,
		GoMaxProcs: runtime.GOMAXPROCS(0),
	}, nil
}

func defaultWorkload() Workload {
	return Workload{
		Name:       "random",
		Table:      "cuckoo",
		Capacity:   seqhash.DefaultSize,
		KeySpace:   1 << 20,
		PrefillPct: 50,
		Threads:    runtime.GOMAXPROCS(0),
		Ops:        1 << 22,
		Seed:       1,
		Mix:        Mix{Find: 60, Insert: 10, InsertOrAssign: 10, Erase: 10, Update: 5, Upsert: 5},
	}
}

func loadConfig(path string) ([]Workload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg.Workloads, nil
}

func main() {
	var (
		configPath string
		outPath    string
		tableKind  string
		threads    int
		ops        uint64
	)
	pflag.StringVar(&configPath, "config", "", "TOML file with [[workload]] entries")
	pflag.StringVar(&outPath, "out", "", "write JSON results to this file (atomically)")
	pflag.StringVar(&tableKind, "table", "cuckoo", "table variant: cuckoo or rh")
	pflag.IntVar(&threads, "threads", runtime.GOMAXPROCS(0), "worker goroutines")
	pflag.Uint64Var(&ops, "ops", 1<<22, "total operations")
	pflag.Parse()

	var workloads []Workload
	if configPath != "" {
		var err error
		workloads, err = loadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	} else {
		w := defaultWorkload()
		w.Table = tableKind
		w.Threads = threads
		w.Ops = ops
		workloads = []Workload{w}
	}

	results := make([]Result, 0, len(workloads))
	for _, w := range workloads {
		res, err := runWorkload(w)
		if err != nil {
			log.Fatalf("workload %s: %v", w.Name, err)
		}
		log.Printf("%s/%s: %d ops on %d threads in %s (%.0f ops/s, size %d)",
			res.Name, res.Table, res.Ops, res.Threads, res.Elapsed, res.OpsPerSec, res.FinalSize)
		results = append(results, res)
	}

	if outPath != "" {
		blob, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			log.Fatalf("encode results: %v", err)
		}
		if err := atomic.WriteFile(outPath, bytes.NewReader(blob)); err != nil {
			log.Fatalf("write results: %v", err)
		}
	}
}
