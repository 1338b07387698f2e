// Package testutil holds helpers shared by the tests of the index packages:
// a seeded RNG with vector generators, brute-force ground truth and recall.
//
//	rng := testutil.NewRNG(7)
//	data := rng.ClusteredVectors(10_000, 128, 64, 0.05)
//	truth := testutil.ExactTopK(q, data, testutil.Sequence(0, len(data)), 5, dist)
//	recall := testutil.ComputeRecall(truth, got)
package testutil
