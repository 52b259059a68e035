// pixetl converts large geospatial raster sources into grid-aligned
// tiled pixel datasets and publishes the tiles and their metadata to
// object storage and a relational catalog.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/metrics"
	"github.com/nci/pixetl/processor"
	"github.com/nci/pixetl/publisher"
	"github.com/nci/pixetl/source"
	"github.com/nci/pixetl/utils"
)

// Exit statuses let operators tell "mostly done" from "broken input".
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
	exitAborted = 3
)

var (
	configFile = flag.String("conf", "", "path to the job configuration file (yaml or json)")
	sourceURI  = flag.String("source", "", "override the configured source URI")
	gridName   = flag.String("grid", "", "override the configured grid name, e.g. 10/40000 or zoom_12")
	workers    = flag.Int("workers", 0, "override the configured worker concurrency")
	subset     = flag.String("subset", "", "comma separated tile identifiers to restrict the run to")
	overwrite  = flag.Bool("overwrite", false, "overwrite tiles that already exist in the output location")
	metricsDir = flag.String("metrics_dir", "", "directory for tile metrics logs, stdout if empty")
	verbose    = flag.Bool("verbose", false, "verbose logging")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *configFile == "" {
		log.Print("pixetl: -conf is required")
		flag.Usage()
		return exitFatal
	}

	cfg, err := utils.LoadJobConfig(*configFile)
	if err != nil {
		log.Printf("pixetl: %v", err)
		return exitFatal
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		log.Printf("pixetl: %v", err)
		return exitFatal
	}

	g, err := grid.ByName(cfg.GridName)
	if err != nil {
		log.Printf("pixetl: %v", err)
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel)

	src, err := source.Open(cfg.SourceURI)
	if err != nil {
		log.Printf("pixetl: %v", err)
		return exitFatal
	}
	defer src.Close()

	store, err := publisher.NewS3Store(ctx, cfg.Destination.Bucket)
	if err != nil {
		log.Printf("pixetl: object store: %v", err)
		return exitFatal
	}
	catalog, err := publisher.OpenCatalog(cfg.Destination.CatalogDSN)
	if err != nil {
		log.Printf("pixetl: catalog: %v", err)
		return exitFatal
	}
	defer catalog.Close()

	pub := publisher.NewPublisher(store, catalog, cfg.Destination.Prefix, cfg.Destination.MemcacheURI)

	pipeline, err := processor.InitTilePipeline(ctx, src, g, pub, cfg)
	if err != nil {
		log.Printf("pixetl: %v", err)
		return exitFatal
	}
	if *metricsDir != "" {
		pipeline.Metrics = metrics.NewFileLogger(*metricsDir, 0)
	} else {
		pipeline.Metrics = metrics.NewStdoutLogger()
	}

	log.Printf("pixetl: dataset %s version %s grid %s source %s workers %d overwrite %v",
		cfg.Dataset, cfg.Version, cfg.GridName, cfg.SourceURI, cfg.Workers, cfg.Overwrite)

	manifest, runErr := pipeline.Run()
	report(manifest)

	if runErr != nil {
		log.Printf("pixetl: %v", runErr)
		if _, ok := runErr.(*processor.JobAbortedError); ok {
			return exitAborted
		}
		return exitFatal
	}
	if manifest.Failed > 0 {
		return exitPartial
	}
	return exitOK
}

func applyOverrides(cfg *utils.JobConfig) {
	if *sourceURI != "" {
		cfg.SourceURI = *sourceURI
	}
	if *gridName != "" {
		cfg.GridName = *gridName
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *subset != "" {
		cfg.Subset = strings.Split(*subset, ",")
	}
	if *overwrite {
		cfg.Overwrite = true
	}
}

func report(m *processor.Manifest) {
	log.Printf("pixetl: %d tiles published, %d skipped, %d failed", m.Done, m.Skipped, m.Failed)
	for _, e := range m.Entries {
		if e.Status == processor.StatusFailed {
			log.Printf("pixetl: tile %s FAILED (%s): %v", e.TileID, e.ErrKind, e.Err)
		} else if *verbose {
			log.Printf("pixetl: tile %s %s", e.TileID, e.Status)
		}
	}
}

func watchSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("pixetl: received %v, finishing in-flight tiles", s)
	cancel()
}
