package utils

// ReplicaBatch is a half-open range [Start, End) of replica indices
// updated together during a rolling update.
type ReplicaBatch struct {
	Start int
	End   int
}

// Size returns the number of replicas in the batch.
func (b ReplicaBatch) Size() int {
	return b.End - b.Start
}

// PartitionReplicas splits the index range [0, replicas) into
// consecutive batches of at most maxSurge replicas. The batches cover
// every index exactly once, in order; only the final batch may be
// smaller than maxSurge.
func PartitionReplicas(replicas, maxSurge int) []ReplicaBatch {
	if replicas <= 0 {
		return nil
	}
	if maxSurge < 1 {
		maxSurge = 1
	}

	batches := make([]ReplicaBatch, 0, (replicas+maxSurge-1)/maxSurge)
	for start := 0; start < replicas; start += maxSurge {
		end := start + maxSurge
		if end > replicas {
			end = replicas
		}
		batches = append(batches, ReplicaBatch{Start: start, End: end})
	}
	return batches
}
