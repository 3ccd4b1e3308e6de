// Package harness runs YAML-defined multi-node convergence scenarios.
//
// A scenario spins up full replication stacks (SQLite, op log, engine,
// sync protocol) for a set of named nodes, drives SQL through them while
// connecting and partitioning pairs over in-memory channels, and asserts
// on the resulting state. Wall clocks are pinned per node, so every HLC in
// a scenario run is deterministic.
//
// Peer connections are out of scope here: channels are in-memory queues,
// which exercises the sync protocol and the engines without ICE.
package harness

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one convergence test.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the participating node names. Each node's HLC wall
	// clock is pinned to a distinct base, in listing order, so later
	// nodes always win LWW ties against earlier ones.
	Nodes []string `yaml:"nodes"`

	// Setup holds DDL applied locally to every node before the flow.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Steps is the main flow: SQL execution, connecting and partitioning.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// SetupStep is one local DDL statement.
type SetupStep struct {
	DDL string `yaml:"ddl"`
}

// Step is one flow action; exactly one of the field groups is set.
type Step struct {
	// Node + Exec run a statement through that node's replicating path.
	Node   string `yaml:"node,omitempty"`
	Exec   string `yaml:"exec,omitempty"`
	Params []any  `yaml:"params,omitempty"`

	// Connect opens a channel pair between two nodes and runs the sync
	// handshake to completion.
	Connect []string `yaml:"connect,omitempty"`

	// Disconnect partitions two connected nodes.
	Disconnect []string `yaml:"disconnect,omitempty"`
}

// Assertion validates final state.
//
// Types:
//   - "final_state": Query one node, expect exactly Rows.
//   - "converged":   Query every listed node, expect identical results.
//   - "oplog_count": Expect the node's op log to hold Count entries.
//   - "cursor":      Expect the node's delta cursor for Peer to equal the
//     peer's latest version.
type Assertion struct {
	Type  string   `yaml:"type"`
	Node  string   `yaml:"node,omitempty"`
	Nodes []string `yaml:"nodes,omitempty"`
	Peer  string   `yaml:"peer,omitempty"`
	Query string   `yaml:"query,omitempty"`
	Rows  [][]any  `yaml:"rows,omitempty"`
	Count *uint64  `yaml:"count,omitempty"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness: read scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("harness: parse scenario %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("harness: scenario %s: %w", path, err)
	}
	return &s, nil
}

// LoadScenarios loads every *.yaml scenario in a directory.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("harness: glob scenarios: %w", err)
	}

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("no nodes declared")
	}

	known := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if known[n] {
			return fmt.Errorf("duplicate node %q", n)
		}
		known[n] = true
	}

	for i, step := range s.Steps {
		switch {
		case step.Exec != "":
			if !known[step.Node] {
				return fmt.Errorf("step %d: unknown node %q", i, step.Node)
			}
		case len(step.Connect) > 0:
			if err := validatePair(step.Connect, known); err != nil {
				return fmt.Errorf("step %d: connect: %w", i, err)
			}
		case len(step.Disconnect) > 0:
			if err := validatePair(step.Disconnect, known); err != nil {
				return fmt.Errorf("step %d: disconnect: %w", i, err)
			}
		default:
			return fmt.Errorf("step %d: empty step", i)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case "final_state":
			if !known[a.Node] || a.Query == "" {
				return fmt.Errorf("assertion %d: final_state needs node and query", i)
			}
		case "converged":
			if len(a.Nodes) < 2 || a.Query == "" {
				return fmt.Errorf("assertion %d: converged needs nodes and query", i)
			}
			for _, n := range a.Nodes {
				if !known[n] {
					return fmt.Errorf("assertion %d: unknown node %q", i, n)
				}
			}
		case "oplog_count":
			if !known[a.Node] || a.Count == nil {
				return fmt.Errorf("assertion %d: oplog_count needs node and count", i)
			}
		case "cursor":
			if !known[a.Node] || !known[a.Peer] {
				return fmt.Errorf("assertion %d: cursor needs node and peer", i)
			}
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}

func validatePair(pair []string, known map[string]bool) error {
	if len(pair) != 2 || pair[0] == pair[1] {
		return fmt.Errorf("need exactly two distinct nodes, got %v", pair)
	}
	for _, n := range pair {
		if !known[n] {
			return fmt.Errorf("unknown node %q", n)
		}
	}
	return nil
}
