package dist

import (
	"fmt"
	"strconv"
)

// Topology is this process's place in the job. It is derived once at startup
// and never changes.
type Topology struct {
	Rank      int
	WorldSize int
	LocalRank int
}

// IsMaster is true only on rank 0, the single process allowed to write
// checkpoints and console output.
func (t Topology) IsMaster() bool { return t.Rank == 0 }

func (t Topology) Distributed() bool { return t.WorldSize > 1 }

// TopologyError reports inconsistent distributed launch signals.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string { return "topology error: " + e.Reason }

// TopologyFromEnv reads RANK, WORLD_SIZE and LOCAL_RANK through lookup
// (normally os.LookupEnv). Neither RANK nor WORLD_SIZE means single-process
// mode; exactly one of them is an error.
func TopologyFromEnv(lookup func(string) (string, bool)) (Topology, error) {
	rankStr, hasRank := lookup("RANK")
	worldStr, hasWorld := lookup("WORLD_SIZE")

	switch {
	case !hasRank && !hasWorld:
		return Topology{Rank: 0, WorldSize: 1, LocalRank: 0}, nil
	case hasRank && !hasWorld:
		return Topology{}, &TopologyError{Reason: "RANK is set but WORLD_SIZE is not"}
	case !hasRank && hasWorld:
		return Topology{}, &TopologyError{Reason: "WORLD_SIZE is set but RANK is not"}
	}

	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return Topology{}, &TopologyError{Reason: fmt.Sprintf("RANK=%q is not an integer", rankStr)}
	}
	world, err := strconv.Atoi(worldStr)
	if err != nil {
		return Topology{}, &TopologyError{Reason: fmt.Sprintf("WORLD_SIZE=%q is not an integer", worldStr)}
	}
	if world < 1 {
		return Topology{}, &TopologyError{Reason: fmt.Sprintf("WORLD_SIZE must be >= 1, got %d", world)}
	}
	if rank < 0 || rank >= world {
		return Topology{}, &TopologyError{Reason: fmt.Sprintf("RANK %d outside [0, %d)", rank, world)}
	}

	local := 0
	if s, ok := lookup("LOCAL_RANK"); ok {
		local, err = strconv.Atoi(s)
		if err != nil || local < 0 {
			return Topology{}, &TopologyError{Reason: fmt.Sprintf("LOCAL_RANK=%q is not a non-negative integer", s)}
		}
	}
	return Topology{Rank: rank, WorldSize: world, LocalRank: local}, nil
}
