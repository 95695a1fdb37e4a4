// Command uploadctl drives a single file through the upload engine from
// the command line; directories are not walked. Adapted from the teacher's
// cmd/sender/main.go: a flag-configured CLI, a progressbar.v3 progress
// bar throttled the same way, and a Ctrl+C handler that cancels in flight
// instead of exiting uncleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/trackshift/upload/engine"
	"github.com/trackshift/upload/internal/adapter/httpadapter"
	"github.com/trackshift/upload/pkg/models"
	"github.com/trackshift/upload/pkg/utils"
)

func main() {
	filePath := flag.String("file", "", "input file path")
	target := flag.String("target", "", "upload endpoint, e.g. http://localhost:8081/upload")
	stateDir := flag.String("state-dir", "uploadctl-state", "directory for the resume ledger and KV store")
	sampleInterval := flag.Duration("sample-interval", 30*time.Second, "network observer sampling interval")
	flag.Parse()

	if *filePath == "" || *target == "" {
		flag.Usage()
		os.Exit(1)
	}

	info, err := os.Stat(*filePath)
	if err != nil {
		log.Fatalf("stat input file: %v", err)
	}

	a, err := httpadapter.New(httpadapter.Config{StateDir: *stateDir})
	if err != nil {
		log.Fatalf("create adapter: %v", err)
	}

	file, err := a.OpenFile(*filePath)
	if err != nil {
		log.Fatalf("open input file: %v", err)
	}
	defer a.Close(file)

	bar := progressbar.NewOptions64(
		info.Size(),
		progressbar.OptionSetDescription("uploading "+filepath.Base(*filePath)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		log.Println("interrupt received, cancelling upload...")
		cancel()
	}()

	done := make(chan struct{})
	e := engine.New(a, engine.Config{
		Target:         *target,
		SampleInterval: *sampleInterval,
	}, engine.Callbacks{
		OnProgress: func(fraction float64, f models.FileDescriptor) {
			_ = bar.Set64(int64(fraction * float64(f.Size)))
		},
		OnSuccess: func(response map[string]any, f models.FileDescriptor) {
			colorstring.Println("[green]upload succeeded[reset]: " + f.Name + " (" + utils.HumanBytes(f.Size) + ")")
		},
		OnError: func(err error, f models.FileDescriptor) {
			colorstring.Println("[red]upload failed[reset]: " + f.Name + ": " + err.Error())
		},
		OnComplete: func(successful, failed []models.FileDescriptor) {
			if len(failed) == 0 {
				colorstring.Println(fmt.Sprintf("[green]done[reset]: %d file(s) uploaded", len(successful)))
			} else {
				colorstring.Println(fmt.Sprintf("[yellow]done with failures[reset]: %d succeeded, %d failed", len(successful), len(failed)))
			}
			close(done)
		},
	})
	defer e.Close()

	e.AddFiles([]models.FileDescriptor{file})
	e.Start(ctx)

	select {
	case <-done:
	case <-ctx.Done():
	}
}
