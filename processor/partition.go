package processor

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables governing node-level partitioning of a multi-node
// preparation job.
const (
	EnvNumNodes = "NUM_NODES"
	EnvNodeRank = "NODE_RANK"
)

// AssignItemsToWorkers partitions items across this node's workers.
//
// The job as a whole has numNodes*numWorkers global workers, numbered so that
// node n owns ranks n*numWorkers..(n+1)*numWorkers-1, and global worker g is
// assigned every (numNodes*numWorkers)-th item starting at g. The scheme is
// deterministic, disjoint and covering: the same item list, topology and
// worker count always yield the same partition, and across all nodes every
// item is assigned to exactly one worker.
//
// Node topology is read from EnvNumNodes (default 1) and EnvNodeRank
// (default 0).
func AssignItemsToWorkers[T any](numWorkers int, items []T) ([][]T, error) {
	if numWorkers <= 0 {
		return nil, errors.Errorf("numWorkers must be positive, got %d", numWorkers)
	}
	numNodes, nodeRank, err := nodeTopology()
	if err != nil {
		return nil, err
	}
	return assignToWorkers(numWorkers, numNodes, nodeRank, items), nil
}

// assignToWorkers implements the striding scheme with an explicit topology.
func assignToWorkers[T any](numWorkers, numNodes, nodeRank int, items []T) [][]T {
	globalWorkers := numNodes * numWorkers
	partitions := make([][]T, numWorkers)
	for worker := 0; worker < numWorkers; worker++ {
		globalRank := nodeRank*numWorkers + worker
		for i := globalRank; i < len(items); i += globalWorkers {
			partitions[worker] = append(partitions[worker], items[i])
		}
	}
	return partitions
}

// nodeTopology reads the node count and this node's rank from the
// environment.
func nodeTopology() (numNodes, nodeRank int, err error) {
	numNodes, err = envInt(EnvNumNodes, 1)
	if err != nil {
		return 0, 0, err
	}
	nodeRank, err = envInt(EnvNodeRank, 0)
	if err != nil {
		return 0, 0, err
	}
	if numNodes < 1 {
		return 0, 0, errors.Errorf("%s must be >= 1, got %d", EnvNumNodes, numNodes)
	}
	if nodeRank < 0 || nodeRank >= numNodes {
		return 0, 0, errors.Errorf("%s=%d out of range for %s=%d", EnvNodeRank, nodeRank, EnvNumNodes, numNodes)
	}
	return numNodes, nodeRank, nil
}

func envInt(name string, defaultValue int) (int, error) {
	value, found := os.LookupEnv(name)
	if !found || value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value %q for $%s", value, name)
	}
	return parsed, nil
}
