// Package kmeans implements the clustering used to form partitions.
//
// TrainKMeans runs Lloyd's algorithm over a flattened vector set and is used
// by Build to derive the initial partition centroids. TwoMeans produces the
// balanced two-way split used when a partition outgrows its maximum size:
// each side is guaranteed to receive at least a third of the input so that
// repeated splitting converges to the configured size range.
package kmeans
