// Command logs-export writes the contents of an agent's log store to local
// files. Stop the agent first: the store directory is locked while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/predatorx7/intakelog/pkg/consolelog"
	"github.com/predatorx7/intakelog/pkg/export"
	badgerstore "github.com/predatorx7/intakelog/pkg/storage/badger"
)

func main() {
	storeDir := flag.String("store", "./data/logs", "log store directory")
	outDir := flag.String("out", "./exports", "output directory")
	formatName := flag.String("format", "text", "export format: text or json")
	verbose := flag.Bool("v", false, "verbose console output")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	console, err := consolelog.New(consolelog.Config{Level: level})
	if err != nil {
		log.Fatalf("console logger: %v", err)
	}
	defer console.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store := badgerstore.NewStore(*storeDir, console)
	defer store.Close()

	var res export.Result
	switch *formatName {
	case "text":
		res, err = export.TextFiles(ctx, store, *outDir)
	case "json":
		res, err = export.JSONFile(ctx, store, *outDir)
	default:
		log.Fatalf("unknown format %q", *formatName)
	}
	if err != nil {
		store.Close()
		log.Fatalf("export failed: %v", err)
	}

	if res.Notice != "" {
		fmt.Println(res.Notice)
		return
	}
	for _, f := range res.Files {
		fmt.Println(f)
	}
	fmt.Printf("exported %d logs into %d file(s)\n", res.Total, len(res.Files))
}
