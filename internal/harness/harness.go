package harness

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/roomdb/internal/engine"
	"github.com/roach88/roomdb/internal/hlc"
	"github.com/roach88/roomdb/internal/op"
	"github.com/roach88/roomdb/internal/oplog"
	"github.com/roach88/roomdb/internal/sqldb"
	"github.com/roach88/roomdb/internal/syncproto"
)

// nodeStack is one node's full replication stack.
type nodeStack struct {
	name   string
	db     *sqldb.DB
	log    *oplog.Log
	engine *engine.Engine
	syncer *syncproto.Syncer
}

// delivery is one queued channel frame.
type delivery struct {
	to   string
	from string
	data []byte
}

// Runner executes a scenario over in-memory channels. Frames are queued
// and pumped FIFO until quiescence after every step, so a run is fully
// deterministic.
type Runner struct {
	nodes map[string]*nodeStack
	queue []delivery
	links map[string]*bool // "x|y" -> alive flag, both directions
}

// memChannel queues frames into the runner; a severed link fails sends.
type memChannel struct {
	r        *Runner
	from, to string
	alive    *bool
}

func (c *memChannel) Send(data []byte) error {
	if !*c.alive {
		return fmt.Errorf("harness: link %s->%s severed", c.from, c.to)
	}
	c.r.queue = append(c.r.queue, delivery{to: c.to, from: c.from, data: data})
	return nil
}

// RunScenario builds the node stacks, drives the flow and checks every
// assertion.
func RunScenario(t testing.TB, s *Scenario) {
	t.Helper()

	r := &Runner{
		nodes: make(map[string]*nodeStack, len(s.Nodes)),
		links: make(map[string]*bool),
	}

	for i, name := range s.Nodes {
		r.addNode(t, name, uint64((i+1)*1_000))
	}

	for _, setup := range s.Setup {
		for _, name := range s.Nodes {
			_, err := r.nodes[name].engine.ExecLocal(setup.DDL)
			require.NoError(t, err, "scenario %s: setup %q on %s", s.Name, setup.DDL, name)
		}
	}

	for i, step := range s.Steps {
		switch {
		case step.Exec != "":
			_, err := r.nodes[step.Node].engine.Exec(step.Exec, step.Params...)
			require.NoError(t, err, "scenario %s: step %d on %s", s.Name, i, step.Node)
		case len(step.Connect) > 0:
			r.connect(step.Connect[0], step.Connect[1])
		case len(step.Disconnect) > 0:
			r.disconnect(step.Disconnect[0], step.Disconnect[1])
		}
		r.drain()
	}

	for i, a := range s.Assertions {
		checkAssertion(t, r, s, i, a)
	}

	for _, name := range s.Nodes {
		require.NoError(t, r.nodes[name].engine.Close(), "scenario %s: close %s", s.Name, name)
	}
}

// addNode builds a stack with the wall clock pinned to wallBase, keeping
// every HLC in the run deterministic.
func (r *Runner) addNode(t testing.TB, name string, wallBase uint64) {
	dir := t.TempDir()

	db, err := sqldb.Open(filepath.Join(dir, name+".db"), nil)
	require.NoError(t, err)
	log, err := oplog.Open(filepath.Join(dir, name+".oplog"))
	require.NoError(t, err)

	stack := &nodeStack{name: name, db: db, log: log}
	clock := hlc.New(name, hlc.WithWallClock(func() uint64 { return wallBase }))

	stack.engine = engine.New(clock, db, log, nil,
		engine.WithBroadcastHook(func(o op.Operation) {
			stack.syncer.Broadcast(o)
		}),
	)
	stack.syncer = syncproto.New(stack.engine, stack.engine.ApplyRemote,
		syncproto.Events{}, nil, syncproto.WithPingInterval(0))

	r.nodes[name] = stack
}

func linkKey(x, y string) string {
	if x > y {
		x, y = y, x
	}
	return x + "|" + y
}

// connect opens the channel pair and queues both handshake requests; the
// drain that follows every step runs them dry.
func (r *Runner) connect(x, y string) {
	alive := new(bool)
	*alive = true
	r.links[linkKey(x, y)] = alive

	r.nodes[x].syncer.AddPeer(y, &memChannel{r: r, from: x, to: y, alive: alive})
	r.nodes[y].syncer.AddPeer(x, &memChannel{r: r, from: y, to: x, alive: alive})
}

func (r *Runner) disconnect(x, y string) {
	if alive := r.links[linkKey(x, y)]; alive != nil {
		*alive = false
	}
	delete(r.links, linkKey(x, y))

	r.nodes[x].syncer.RemovePeer(y)
	r.nodes[y].syncer.RemovePeer(x)
}

// drain pumps queued frames FIFO until the network is quiet. Frames to a
// severed link are dropped in flight.
func (r *Runner) drain() {
	for len(r.queue) > 0 {
		d := r.queue[0]
		r.queue = r.queue[1:]

		if alive := r.links[linkKey(d.from, d.to)]; alive == nil || !*alive {
			continue
		}
		r.nodes[d.to].syncer.HandleMessage(d.from, d.data)
	}
}
