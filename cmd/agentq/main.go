package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"agentq/internal/admin"
	"agentq/internal/api"
	"agentq/internal/config"
	"agentq/internal/domain"
	httphandler "agentq/internal/handlers/http"
	"agentq/internal/handlers/shell"
	"agentq/internal/janitor"
	"agentq/internal/recovery"
	"agentq/internal/store"
	"agentq/internal/worker"
)

const usage = `usage: agentq <command> [flags]

commands:
  serve         run the HTTP API (and the janitor, if enabled)
  work          run a worker loop for one agent type
  enqueue       add a task to the queue
  status        print the health report
  list          list tasks, optionally by status
  recover       reset or fail stuck tasks
  cleanup-dead  requeue or fail tasks held by dead processes
  cleanup       purge old terminal tasks
  cancel        cancel pending tasks
  export        write a JSON snapshot of the queue
  migrate       apply schema migrations and exit
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = runServe(cfg, args)
	case "work":
		err = runWork(cfg, args)
	case "enqueue":
		err = runEnqueue(cfg, args)
	case "status":
		err = runStatus(cfg, args)
	case "list":
		err = runList(cfg, args)
	case "recover":
		err = runRecover(cfg, args)
	case "cleanup-dead":
		err = runCleanupDead(cfg, args)
	case "cleanup":
		err = runCleanup(cfg, args)
	case "cancel":
		err = runCancel(cfg, args)
	case "export":
		err = runExport(cfg, args)
	case "migrate":
		err = runMigrate(cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "agentq: %v\n", err)
	os.Exit(1)
}

func openStore(cfg *config.Config) (store.Store, error) {
	return store.Open(cfg.Store.Driver, cfg.Store.DSN)
}

func runServe(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.Server.Addr, "HTTP bind address")
	fs.Parse(args)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(s, cfg.Queue.StuckTimeout, cfg.Queue.MaxRetries)}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Janitor.Enabled {
		j, err := janitor.New(recovery.NewEngine(s), janitor.Options{
			Schedule:        cfg.Janitor.Schedule,
			StuckTimeout:    cfg.Queue.StuckTimeout,
			MarkStuckFailed: cfg.Janitor.MarkStuckFailed,
			RetentionAge:    cfg.Queue.RetentionAge,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return j.Start(ctx) })
	}

	return g.Wait()
}

func runWork(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("work", flag.ExitOnError)
	agent := fs.String("agent", "shell", "agent type to claim for")
	workers := fs.Int("workers", cfg.Queue.Workers, "concurrent handlers")
	poll := fs.Duration("poll", cfg.Queue.PollInterval, "claim poll interval")
	fs.Parse(args)

	handlers, err := handlersFor(*agent)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(s, *agent, handlers, *workers, *poll)
	log.Info().Str("agent", *agent).Int("workers", *workers).Msg("worker starting")
	w.Run(ctx)

	released := w.Shutdown(context.Background(), cfg.Queue.ShutdownGrace)
	if released > 0 {
		log.Warn().Int("released", released).Msg("held tasks failed on shutdown")
	}
	return nil
}

// handlersFor maps the built-in agent types to their method handlers.
// External agents bring their own and talk to the queue over the API.
func handlersFor(agent string) (map[string]worker.Handler, error) {
	switch agent {
	case "shell":
		return map[string]worker.Handler{"run": shell.Shell{}}, nil
	case "webhook":
		return map[string]worker.Handler{"call": httphandler.HTTP{}}, nil
	}
	return nil, fmt.Errorf("no built-in handlers for agent %q", agent)
}

func runEnqueue(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	agent := fs.String("agent", "", "target agent type")
	method := fs.String("method", "", "method name")
	payload := fs.String("payload", "{}", "JSON payload")
	priority := fs.String("priority", "normal", "low|normal|high|urgent")
	maxRetries := fs.Int("max-retries", cfg.Queue.MaxRetries, "retry budget")
	fs.Parse(args)

	p, err := domain.ParsePriority(*priority)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.Enqueue(context.Background(), domain.Task{
		TargetAgent: *agent,
		MethodName:  *method,
		Payload:     []byte(*payload),
		Priority:    p,
		MaxRetries:  *maxRetries,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runStatus(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	timeout := fs.Duration("timeout", cfg.Queue.StuckTimeout, "stuck threshold")
	fs.Parse(args)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := admin.New(s).Status(context.Background(), *timeout)
	if err != nil {
		return err
	}
	for _, st := range domain.AllStatuses {
		fmt.Printf("%-12s %d\n", st, report.StatusCounts[st])
	}
	fmt.Printf("%-12s %d (threshold %s)\n", "stuck", report.StuckTasks, report.StuckTimeout)
	fmt.Printf("%-12s %d\n", "orphaned", report.OrphanedTasks)
	return nil
}

func runList(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	statusArg := fs.String("status", "", "filter by status")
	fs.Parse(args)

	var status *domain.Status
	if *statusArg != "" {
		st, err := domain.ParseStatus(*statusArg)
		if err != nil {
			return err
		}
		status = &st
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := admin.New(s).List(context.Background(), status)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-10s  %-8s  %s/%s  retries=%d/%d  created=%s\n",
			t.ID, t.Status, t.Priority, t.TargetAgent, t.MethodName,
			t.RetryCount, t.MaxRetries, t.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runRecover(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	timeoutMin := fs.Int("timeout", int(cfg.Queue.StuckTimeout.Minutes()), "stuck threshold in minutes")
	markFailed := fs.Bool("mark-failed", false, "fail stuck tasks instead of requeueing them")
	fs.Parse(args)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := admin.New(s).Recover(context.Background(), time.Duration(*timeoutMin)*time.Minute, *markFailed)
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d stuck task(s)\n", n)
	return nil
}

func runCleanupDead(cfg *config.Config, args []string) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := admin.New(s).CleanupDead(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("cleaned up %d orphaned task(s)\n", n)
	return nil
}

func runCleanup(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	olderThan := fs.Duration("older-than", cfg.Queue.RetentionAge, "retention age for terminal tasks")
	fs.Parse(args)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := admin.New(s).Cleanup(context.Background(), *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d terminal task(s)\n", n)
	return nil
}

func runCancel(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	agent := fs.String("agent", "", "restrict to one agent type")
	fs.Parse(args)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := admin.New(s).Cancel(context.Background(), *agent)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %d pending task(s)\n", n)
	return nil
}

func runExport(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentq export <path>")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := admin.New(s).Export(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("exported %d task(s) to %s\n", n, args[0])
	return nil
}

func runMigrate(cfg *config.Config, args []string) error {
	s, err := openStore(cfg) // Open runs pending migrations
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Println("schema up to date")
	return nil
}
