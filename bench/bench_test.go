// Package bench provides reproducible micro-benchmarks for dedupindex.
// Run via: go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// We measure:
//  1. Index       – insert-only workload.
//  2. Query        – read-only workload against a warmed-up index.
//  3. QueryParallel – concurrent reads (b.RunParallel).
//
// NOTE: correctness tests live alongside each package; this file is only
// for performance.
package bench

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"testing"

	dedupindex "github.com/Voskan/dedupindex/pkg"
)

const datasetSize = 1 << 14

func genName(i int) dedupindex.ChunkName {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return sha256.Sum256(buf[:])
}

var dataset = func() []dedupindex.ChunkName {
	names := make([]dedupindex.ChunkName, datasetSize)
	for i := range names {
		names[i] = genName(i)
	}
	return names
}()

func newBenchIndex(b *testing.B) *dedupindex.Index {
	b.Helper()
	dir, err := os.MkdirTemp("", "dedupindex-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { os.RemoveAll(dir) })

	idx, err := dedupindex.Open(context.Background(), dir, dedupindex.WithMode(dedupindex.OpenCreate))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { idx.Close() })
	return idx
}

func BenchmarkIndex(b *testing.B) {
	idx := newBenchIndex(b)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		name := dataset[i%datasetSize]
		_ = idx.Index(name, dedupindex.Metadata{})
	}
}

func BenchmarkQuery(b *testing.B) {
	idx := newBenchIndex(b)
	for _, name := range dataset {
		_ = idx.Index(name, dedupindex.Metadata{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		name := dataset[i%datasetSize]
		_, _ = idx.Query(name)
	}
}

func BenchmarkQueryParallel(b *testing.B) {
	idx := newBenchIndex(b)
	for _, name := range dataset {
		_ = idx.Index(name, dedupindex.Metadata{})
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			name := dataset[i%datasetSize]
			_, _ = idx.Query(name)
			i++
		}
	})
}
