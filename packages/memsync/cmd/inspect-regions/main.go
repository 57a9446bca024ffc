package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
)

func main() {
	pid := flag.Int("pid", 0, "target process id")
	name := flag.String("name", "", "target process name, used when -pid is not set")
	modules := flag.String("modules", strings.Join(region.DefaultTargetModules, ","), "comma separated module name substrings")
	maxSize := flag.Uint64("max-region-size", region.DefaultMaxHeuristicRegionSize, "largest mapping picked up when no module matches")
	pageSize := flag.Uint64("page-size", memory.DefaultPageSize, "page size")
	verbose := flag.Bool("v", false, "print every monitored page")

	flag.Parse()

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

	mappings, err := process.ListMappings(ctx)
	if err != nil {
		log.Fatalf("failed to list mappings: %s", err)
	}

	procModules, err := process.ListModules(ctx)
	if err != nil {
		log.Fatalf("failed to list modules: %s", err)
	}

	targets := strings.Split(*modules, ",")

	fmt.Printf("\nMODULES\n")
	fmt.Printf("=======\n")
	for _, m := range procModules {
		marker := " "
		if region.MatchesAny(m.Name, targets) {
			marker = "*"
		}

		fmt.Printf("%s %#016x %10s  %s\n", marker, m.BaseAddress, humanize.IBytes(m.ImageSize), m.Path)
	}

	fmt.Printf("\nMAPPINGS\n")
	fmt.Printf("========\n")
	for _, m := range mappings {
		fmt.Printf("%#016x-%#016x %s %10s  %s\n", m.Start, m.End, perms(m), humanize.IBytes(m.Size()), m.Path)
	}

	discovery := region.NewDiscovery(zap.NewNop(), process, region.Config{
		PageSize:               *pageSize,
		TargetModules:          targets,
		MaxHeuristicRegionSize: *maxSize,
	})

	regions, err := discovery.Discover(ctx)
	if err != nil && !errors.Is(err, region.ErrNoRegionsFound) {
		log.Fatalf("failed to discover regions: %s", err)
	}

	fmt.Printf("\nMONITORED\n")
	fmt.Printf("=========\n")
	fmt.Printf("Pages              %d\n", regions.Len())
	fmt.Printf("Size               %s\n", humanize.IBytes(uint64(regions.Len())**pageSize))

	if *verbose {
		fmt.Println()
		for _, addr := range regions.Addresses() {
			fmt.Printf("%#016x\n", addr)
		}
	}
}

func perms(m memory.Mapping) string {
	b := []byte("---")
	if m.Read {
		b[0] = 'r'
	}

	if m.Write {
		b[1] = 'w'
	}

	if m.Execute {
		b[2] = 'x'
	}

	return string(b)
}
