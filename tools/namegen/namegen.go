// Command namegen emits deterministic chunk-name datasets for standalone
// exercising of dedupindex outside `go test`, the same role the teacher's
// dataset_gen.go plays for arena-cache's numeric key benchmarks.
//
// Usage:
//
//	go run ./tools/namegen -n 1000000 -seed 42 -out names.bin
//
// Output is a flat stream of 32-byte names, suitable for streaming into
// bench/bench_test.go or an external load generator.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
)

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of names to generate")
		seed    = flag.Int64("seed", 42, "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "namegen: cannot create output:", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	rnd := rand.New(rand.NewSource(*seed))
	var counter [8]byte
	for i := 0; i < *n; i++ {
		binary.BigEndian.PutUint64(counter[:], uint64(i))
		salt := rnd.Uint64()
		var saltBuf [8]byte
		binary.BigEndian.PutUint64(saltBuf[:], salt)
		sum := sha256.Sum256(append(counter[:], saltBuf[:]...))
		if _, err := w.Write(sum[:]); err != nil {
			fmt.Fprintln(os.Stderr, "namegen: write failed:", err)
			os.Exit(1)
		}
	}
}
