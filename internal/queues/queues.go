// Package queues turns queue-group arguments into per-process queue
// partitions and sizes each worker's thread count.
package queues

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Wildcard selects every available queue.
const Wildcard = "*"

// DefaultQueues is used when no available queues are configured.
var DefaultQueues = []string{"default", "mailers"}

var (
	// ErrNoQueues means every partition came out empty.
	ErrNoQueues = errors.New("no queues found, you must define at least one queue")

	// ErrInvalidInput means a queue group could not be parsed.
	ErrInvalidInput = errors.New("invalid queue group")
)

// Queue is one queue name with its repeat count in a partition.
type Queue struct {
	Name   string
	Weight int
}

// Partition is the set of queues assigned to one worker process, in
// first-occurrence order.
type Partition []Queue

// Len returns the number of queue tokens, counting repeats.
func (p Partition) Len() int {
	n := 0
	for _, q := range p {
		n += q.Weight
	}
	return n
}

// Names returns the distinct queue names.
func (p Partition) Names() []string {
	out := make([]string, len(p))
	for i, q := range p {
		out[i] = q.Name
	}
	return out
}

// Label renders "name:weight" pairs for process listings.
func (p Partition) Label() string {
	parts := make([]string, len(p))
	for i, q := range p {
		parts[i] = q.Name + ":" + strconv.Itoa(q.Weight)
	}
	return strings.Join(parts, ",")
}

// Tally counts occurrences of each name, keeping first-occurrence order.
func Tally(names []string) Partition {
	var p Partition
	index := make(map[string]int, len(names))
	for _, name := range names {
		if i, ok := index[name]; ok {
			p[i].Weight++
			continue
		}
		index[name] = len(p)
		p = append(p, Queue{Name: name, Weight: 1})
	}
	return p
}

type options struct {
	negate bool
}

// Option configures Partitions.
type Option func(*options)

// WithNegate assigns each process every available queue except the ones
// named in its group.
func WithNegate() Option {
	return func(o *options) { o.negate = true }
}

// Partitions builds one Partition per group. Each group is either the
// wildcard or a comma-separated list of queue names.
func Partitions(groups []string, available []string, opts ...Option) ([]Partition, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if len(available) == 0 {
		available = DefaultQueues
	}

	out := make([]Partition, len(groups))
	empty := true
	for i, group := range groups {
		if strings.ContainsRune(group, '\n') {
			return nil, fmt.Errorf("%w: group %d contains a newline", ErrInvalidInput, i)
		}

		names := split(group, available)
		if o.negate {
			names = without(available, names)
		}

		out[i] = Tally(names)
		if len(out[i]) > 0 {
			empty = false
		}
	}

	if empty {
		return nil, ErrNoQueues
	}
	return out, nil
}

func split(group string, available []string) []string {
	if group == Wildcard {
		return slices.Clone(available)
	}
	var names []string
	for _, name := range strings.Split(group, ",") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func without(all, exclude []string) []string {
	var out []string
	for _, name := range all {
		if !slices.Contains(exclude, name) {
			out = append(out, name)
		}
	}
	return out
}

// Concurrency returns the thread count for a worker handling queueCount
// queue tokens. An explicit value wins; otherwise queueCount+1 clamped to
// [min, max], where max <= 0 means no ceiling beyond the computed value.
func Concurrency(queueCount, min, max, explicit int) int {
	if explicit > 0 {
		return explicit
	}

	computed := queueCount + 1
	effMax := computed
	if max > 0 {
		effMax = max
	}
	effMin := min
	if effMin > effMax {
		effMin = effMax
	}

	if computed < effMin {
		return effMin
	}
	if computed > effMax {
		return effMax
	}
	return computed
}
