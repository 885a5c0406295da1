// Package mailbox holds the per-machine queues of commands waiting for agents to
// poll them.
package mailbox

import (
	"errors"
	"sync"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/metrics"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
)

// ErrNoMachine is returned when a command is enqueued without a machine ID
var ErrNoMachine = errors.New("machine id is required")

// Mailbox is a set of per-machine FIFO queues. Draining a queue hands every
// queued command to exactly one poller. Queues for machines that never poll are
// kept indefinitely.
type Mailbox struct {
	mu     sync.Mutex
	queues map[string][]*models.AgentCommand
	depth  int
}

// New creates an empty mailbox
func New() *Mailbox {
	return &Mailbox{
		queues: make(map[string][]*models.AgentCommand),
	}
}

// Enqueue appends cmd to the machine's queue
func (m *Mailbox) Enqueue(machineID string, cmd *models.AgentCommand) error {
	if machineID == "" {
		return ErrNoMachine
	}
	if cmd == nil {
		return errors.New("command is nil")
	}

	m.mu.Lock()
	m.queues[machineID] = append(m.queues[machineID], cmd)
	m.depth++
	depth := m.depth
	m.mu.Unlock()

	metrics.CommandsQueued.Set(float64(depth))
	return nil
}

// Drain returns every queued command for the machine in enqueue order and
// empties the queue. It never returns nil.
func (m *Mailbox) Drain(machineID string) []*models.AgentCommand {
	m.mu.Lock()
	cmds := m.queues[machineID]
	delete(m.queues, machineID)
	m.depth -= len(cmds)
	depth := m.depth
	m.mu.Unlock()

	if cmds == nil {
		return []*models.AgentCommand{}
	}

	metrics.CommandsQueued.Set(float64(depth))
	metrics.CommandsDelivered.Add(float64(len(cmds)))
	return cmds
}

// Pending returns how many commands wait for the machine
func (m *Mailbox) Pending(machineID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queues[machineID])
}

// Depth returns the number of commands queued across all machines
func (m *Mailbox) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.depth
}
