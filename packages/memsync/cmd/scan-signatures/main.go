package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/signature"
)

func main() {
	pid := flag.Int("pid", 0, "target process id")
	name := flag.String("name", "", "target process name, used when -pid is not set")
	modules := flag.String("modules", strings.Join(signature.DefaultTargetModules, ","), "comma separated module name substrings")
	maxScan := flag.Uint64("max-scan-size", signature.DefaultMaxScanSize, "bytes read from each module")
	wildcard := flag.Int("wildcard", -1, "treat this byte value as a wildcard in the patterns")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] name=\"48 8B ?? ??\" ...\n", "scan-signatures")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("no signatures given")
	}

	var patterns []signature.Pattern
	for _, arg := range flag.Args() {
		patternName, text, ok := strings.Cut(arg, "=")
		if !ok {
			log.Fatalf("invalid signature %q, expected name=pattern", arg)
		}

		p, err := signature.Parse(patternName, text)
		if err != nil {
			log.Fatalf("invalid signature %q: %s", arg, err)
		}

		if *wildcard >= 0 {
			p = signature.FromSentinel(patternName, p.Bytes, byte(*wildcard))
		}

		patterns = append(patterns, p)
	}

	ctx := context.Background()

	if *pid == 0 {
		if *name == "" {
			log.Fatalf("either -pid or -name must be set")
		}

		found, err := memory.FindProcess(ctx, *name)
		if err != nil {
			log.Fatalf("failed to find process: %s", err)
		}

		*pid = found
	}

	process, err := memory.Attach(ctx, *pid)
	if err != nil {
		log.Fatalf("failed to attach to process %d: %s", *pid, err)
	}
	defer process.Close()

	scanner := signature.NewScanner(zap.NewNop(), process, signature.Config{
		TargetModules: strings.Split(*modules, ","),
		MaxScanSize:   *maxScan,
	}, nil)
	defer scanner.Close()

	result := scanner.Scan(ctx, patterns...)

	for _, p := range patterns {
		fmt.Printf("%-24s %s\n", p.Name, p)
	}

	fmt.Println()

	for _, patternName := range slices.Sorted(maps.Keys(result)) {
		fmt.Printf("%-24s %#016x\n", patternName, result[patternName])
	}

	if len(result) == 0 {
		log.Fatalf("no signature matched")
	}
}
