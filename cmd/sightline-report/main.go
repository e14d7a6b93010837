// Command sightline-report plots the inference latency of a journaled
// session.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/report"
)

var (
	dbPath    = flag.String("db", "sightline.db", "Journal database file")
	sessionID = flag.String("session", "", "Session id (default: most recent)")
	outDir    = flag.String("out", ".", "Output directory for PNG files")
	maxFrames = flag.Int("frames", 20000, "Most recent frames to plot")
)

func main() {
	flag.Parse()

	journal, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer journal.Close()

	id := *sessionID
	if id == "" {
		sessions, err := journal.Sessions(1)
		if err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		if len(sessions) == 0 {
			log.Fatal("No sessions recorded")
		}
		id = sessions[0].ID
	}

	frames, err := journal.FrameStats(id, *maxFrames)
	if err != nil {
		log.Fatalf("Failed to load frame stats: %v", err)
	}
	sum, err := journal.Latency(id)
	if err != nil {
		log.Fatalf("Failed to summarise latency: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	paths, err := report.WriteLatencyPlots(*outDir, "session_"+id[:min(8, len(id))], frames)
	if err != nil {
		log.Fatalf("Failed to write plots: %v", err)
	}

	fmt.Printf("session %s: %d frames, %d detections\n", id, sum.Frames, sum.Detections)
	fmt.Printf("latency ms: mean %.1f sd %.1f p50 %.0f p95 %.0f max %.0f\n",
		sum.MeanMs, sum.StdDevMs, sum.P50Ms, sum.P95Ms, sum.MaxMs)
	for _, p := range paths {
		fmt.Println(p)
	}
}
