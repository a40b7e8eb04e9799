// Command calwatch runs nightly calibration-frame quality assurance:
// it reduces gathered frame bundles, fits quadric surfaces, stores the
// metrics, validates them against historical baselines, and publishes
// the nightly summary.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ridgeline-obs/calwatch/internal/config"
	"github.com/ridgeline-obs/calwatch/internal/version"
)

var configPath = flag.String("config", "", "path to run config JSON (optional)")

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: calwatch [flags] <command> [args]

Commands:
  process <bundle>...   reduce and validate one night of frame bundles
  validate [run-id]     re-validate a stored run against current baselines
  report <instrument>   render and publish summary and trend artifacts
  watch <dir>           process new bundles in a directory on a schedule
  migrate <action>      manage the store schema (up, down, status, force)
  version               print build information

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	cfg := config.EmptyRunConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadRunConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	switch args[0] {
	case "process":
		runProcess(cfg, args[1:])
	case "validate":
		runValidate(cfg, args[1:])
	case "report":
		runReport(cfg, args[1:])
	case "watch":
		runWatch(cfg, args[1:])
	case "migrate":
		runMigrate(cfg, args[1:])
	case "version":
		fmt.Printf("calwatch %s (%s) built %s\n", version.Version, version.GitSHA, version.BuildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(1)
	}
}
