package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/sergium/precursor/hub"
)

const Version = "0.1.0"

func main() {
	usage := `Precursor synchronization hub.

Serves the realtime document endpoint. Without --allow_all, access is
denied to everyone; grants are expected to come from an external auth
service in front of this process.

Usage:
    precursord serve [--port=<port>] [--path=<path>] [--allow_all] [-v...]

Options:
    -h --help          Show this screen.
    --version          Show version.
    -p --port=<port>   Listen port [default: 8080].
    --path=<path>      Websocket endpoint path [default: /document].
    --allow_all        Grant every principal every scope.
    -v                 Verbose logging. Repeat for more.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	verboseCount := 0
	if verbose, err := opts.Int("-v"); err == nil {
		verboseCount = verbose
	}
	flag.CommandLine.Parse([]string{
		"--stderrthreshold=INFO",
		fmt.Sprintf("-v=%d", verboseCount),
	})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	path, _ := opts.String("--path")
	allowAll, _ := opts.Bool("--allow_all")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		<-sigC
		cancel()
	}()

	store := hub.NewMemoryStore()
	store.AutoCreate = true
	checker := hub.NewStaticAccessChecker(allowAll)

	h := hub.NewHubWithDefaults(cancelCtx, store, checker)
	defer h.Close()

	mux := http.NewServeMux()
	mux.Handle(path, h)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-cancelCtx.Done()
		server.Shutdown(context.Background())
	}()

	glog.Infof("precursord listening on :%d%s\n", port, path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("listen error = %s\n", err)
		os.Exit(1)
	}
}
