// Command refserver runs the reference upload endpoint (internal/refserver)
// implementing the §6.2 wire protocol, for driving uploadctl end to end
// without a real backend. Adapted from the teacher's cmd/orchestrator/main.go
// (flag-configured listen address, a *http.ServeMux, RegisterRoutes) merged
// with cmd/receiver/main.go's notion of an output directory for assembled
// files.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/trackshift/upload/internal/refserver"
)

func main() {
	port := flag.Int("port", 8081, "listening port")
	basePath := flag.String("path", "/upload", "base path for the chunk/complete/resume-check endpoints")
	tempDir := flag.String("temp-dir", "refserver-temp", "directory for staged chunk files")
	outputDir := flag.String("output-dir", "refserver-output", "directory for assembled files")
	flag.Parse()

	svc, err := refserver.NewService(*tempDir, *outputDir)
	if err != nil {
		log.Fatalf("create service: %v", err)
	}

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux, *basePath)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("refserver listening on %s (base path %s)", addr, *basePath)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}
}
