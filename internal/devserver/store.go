package devserver

import (
	"sort"
	"sync"
	"time"

	"github.com/myquant/tui/internal/client"
)

// Mode is how a run executes.
type Mode string

const (
	ModeBacktest   Mode = "backtest"
	ModeSimulation Mode = "simulation"
)

type runRecord struct {
	run      client.Run
	strategy string
	mode     Mode
	port     int
}

// Store keeps strategies and runs in memory. Reads return copies.
type Store struct {
	mu         sync.RWMutex
	strategies map[string]client.Strategy
	runs       map[string]*runRecord
}

func NewStore() *Store {
	return &Store{
		strategies: make(map[string]client.Strategy),
		runs:       make(map[string]*runRecord),
	}
}

func (s *Store) AddStrategy(name string, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[name] = client.Strategy{
		Name:      name,
		CreatedAt: float64(created.UnixNano()) / 1e9,
		Path:      "strategies/" + name,
	}
}

func (s *Store) HasStrategy(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.strategies[name]
	return ok
}

// Strategies returns all strategies, newest first.
func (s *Store) Strategies() []client.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]client.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (s *Store) PutRun(strategy string, mode Mode, port int, run client.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = &runRecord{run: run, strategy: strategy, mode: mode, port: port}
}

// UpdateRun applies fn to a run under the lock. It reports whether the
// run exists.
func (s *Store) UpdateRun(id string, fn func(r *client.Run)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return false
	}
	fn(&rec.run)
	return true
}

// Run returns a copy of a run plus its strategy and live monitor port.
func (s *Store) Run(id string) (client.Run, string, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return client.Run{}, "", 0, false
	}
	return rec.run, rec.strategy, rec.port, true
}

// ClearPort forgets a run's monitor port once the monitor stops.
func (s *Store) ClearPort(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.runs[id]; ok {
		rec.port = 0
	}
}

// Runs groups a strategy's runs by mode, newest first.
func (s *Store) Runs(strategy string) client.RunList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := client.RunList{Backtest: []client.Run{}, Simulation: []client.Run{}}
	for _, rec := range s.runs {
		if rec.strategy != strategy {
			continue
		}
		if rec.mode == ModeSimulation {
			out.Simulation = append(out.Simulation, rec.run)
		} else {
			out.Backtest = append(out.Backtest, rec.run)
		}
	}
	newest := func(runs []client.Run) {
		sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime > runs[j].StartTime })
	}
	newest(out.Backtest)
	newest(out.Simulation)
	return out
}
