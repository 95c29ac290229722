// Command dispatcherd runs the judging dispatcher: it accepts worker
// connections on listen_addr, a client-facing submission API on
// http_addr, and persists task groups to a bbolt database at db_path
// (SPEC_FULL.md §6).
//
// Configuration is stdlib flag, with a thin environment-variable
// override layer keyed by the upper-cased flag name — the teacher's
// own precedent of bare package-level flags (e.g. DoShuffleReaders in
// exec/bigmachine.go) rather than a config-file framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	"github.com/Norbi-S/sioworkers/httpapi"
	"github.com/Norbi-S/sioworkers/rpcproto"
	"github.com/Norbi-S/sioworkers/scheduler"
	"github.com/Norbi-S/sioworkers/store"
	"github.com/Norbi-S/sioworkers/taskmanager"
	"github.com/Norbi-S/sioworkers/worker"
)

var (
	listenAddr   = flag.String("listen_addr", ":7713", "worker RPC listen address")
	httpAddr     = flag.String("http_addr", ":7714", "client-facing submission listen address")
	dbPath       = flag.String("db_path", "dispatcher.db", "bbolt database path")
	maxTaskRAMMB = flag.Int64("max_task_ram_mb", 0, "reject any job above this required RAM in MiB (0 disables the cap)")
	taskTimeout  = flag.Int("TASK_TIMEOUT", 0, "per-job RPC deadline in seconds (0 disables the timeout)")
	retryLimit   = flag.Int("retry_limit", taskmanager.DefaultRetryLimit, "WorkerGone retries before a group fails")
	syncInterval = flag.Duration("sync_interval", taskmanager.DefaultSyncInterval, "periodic dirty-record flush cadence")
)

// envOverride lets every flag above be set by an environment variable
// of the same name upper-cased (SPEC_FULL.md §6), applied before
// flag.Parse so that an explicit command-line flag still wins.
func envOverride() {
	flag.VisitAll(func(f *flag.Flag) {
		name := strings.ToUpper(f.Name)
		if v, ok := os.LookupEnv(name); ok {
			if err := f.Value.Set(v); err != nil {
				log.Printf("dispatcherd: ignoring %s=%q: %v", name, v, err)
			}
		}
	})
}

func main() {
	envOverride()
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Printf("dispatcherd: open store %s: %v", *dbPath, err)
		os.Exit(1)
	}
	defer st.Close()

	sched := scheduler.New(*maxTaskRAMMB)
	wm := worker.NewManager()

	sink := httpapi.NewHTTPSink()
	stat := status.New()
	tm := taskmanager.New(taskmanager.Config{
		RetryLimit:   *retryLimit,
		SyncInterval: *syncInterval,
		MaxTaskRAMMB: *maxTaskRAMMB,
		TaskTimeout:  time.Duration(*taskTimeout) * time.Second,
	}, st, sched, wm, sink, stat.Group("taskmanager"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tm.Start(ctx); err != nil {
		log.Printf("dispatcherd: start task manager: %v", err)
		os.Exit(1)
	}

	ln, err := rpcproto.Listen(*listenAddr)
	if err != nil {
		log.Printf("dispatcherd: listen on %s: %v", *listenAddr, err)
		os.Exit(1)
	}
	go func() {
		err := ln.Serve(ctx, func(ctx context.Context, uid string, info worker.ClientInfo, conn worker.Connection) error {
			return wm.NewWorker(ctx, uid, info, conn)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("dispatcherd: worker listener stopped: %v", err)
		}
	}()
	log.Printf("dispatcherd: accepting workers on %s", ln.Addr())

	handler := httpapi.NewHandler(tm)
	httpSrv := &http.Server{Addr: *httpAddr, Handler: handler.Mux()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("dispatcherd: http server: %v", err)
			os.Exit(1)
		}
	}()
	log.Printf("dispatcherd: serving submissions on %s", *httpAddr)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	log.Printf("dispatcherd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	ln.Close()
	cancel()
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of dispatcherd:\n")
		flag.PrintDefaults()
	}
}
