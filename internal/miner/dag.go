package miner

// DAGChunkGroups is the number of work groups per dataset launch.
const DAGChunkGroups = 10000

// SplitDAG returns the byte sizes of the two dataset halves. An odd item
// count puts the extra 64-byte half item in the first buffer.
func SplitDAG(dagSize, dagNumItems uint64) [2]uint64 {
	if dagNumItems&1 == 1 {
		return [2]uint64{dagSize/2 + 64, dagSize/2 - 64}
	}
	return [2]uint64{dagSize / 2, dagSize / 2}
}

// Launch is one dataset kernel dispatch.
type Launch struct {
	Start uint64
	Size  uint64
}

// ChunkPlan covers [0, workItems) with full chunks of DAGChunkGroups*local
// items followed by one remainder rounded up to a whole work group.
func ChunkPlan(workItems, localWorkSize uint64) []Launch {
	if workItems == 0 || localWorkSize == 0 {
		return nil
	}
	chunk := DAGChunkGroups * localWorkSize
	plan := make([]Launch, 0, workItems/chunk+1)

	start := uint64(0)
	for ; start+chunk <= workItems; start += chunk {
		plan = append(plan, Launch{Start: start, Size: chunk})
	}
	if start < workItems {
		groups := (workItems - start + localWorkSize - 1) / localWorkSize
		plan = append(plan, Launch{Start: start, Size: groups * localWorkSize})
	}
	return plan
}
