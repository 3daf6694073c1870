// prunner runs a batch of external commands through a bounded worker-process
// pool. The batch comes from a TOML file; each completed task is printed as
// one JSON line on stdout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/taskforge/procpool"
)

func main() {
	if err := procpool.Register("exec", execOp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	procpool.ChildMain()

	configPath := flag.String("config", "prunner.toml", "path to the batch definition")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	items := make([]*procpool.Item, 0, len(cfg.Items))
	for _, ic := range cfg.Items {
		checks := make([]procpool.Precondition, 0, len(ic.Requires))
		for _, p := range ic.Requires {
			checks = append(checks, procpool.RequirePath(p))
		}
		item, err := procpool.NewItem(ic.Name, "exec", map[string]any{
			"cmd": ic.Cmd,
			"dir": ic.Dir,
		}, checks...)
		if err != nil {
			log.Fatal().Err(err).Str("item", ic.Name).Msg("rejecting batch")
		}
		items = append(items, item)
	}

	pool, err := procpool.New(cfg.Limit, procpool.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build pool")
	}
	defer pool.Close()
	if err := pool.Extend(items); err != nil {
		log.Fatal().Err(err).Msg("cannot enqueue batch")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Warn().Str("signal", s.String()).Msg("interrupted, terminating pool")
		pool.Terminate()
	}()

	if err := pool.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("run failed")
	}

	failures := 0
	enc := json.NewEncoder(os.Stdout)
	for _, t := range pool.Completed() {
		rec := map[string]any{
			"name":        t.Name(),
			"duration_ms": t.Duration().Milliseconds(),
			"exit":        t.ExitCode(),
			"result":      t.Result(),
		}
		if sig := t.Signal(); sig >= 0 {
			rec["signal"] = sig.String()
		}
		if t.Err() != nil {
			rec["error"] = t.Err().Error()
		}
		if r := t.Result(); t.Err() != nil || t.ExitCode() != 0 || (r != nil && r["error"] != nil) {
			failures++
		}
		_ = enc.Encode(rec)
	}

	if stuck := pool.Stuck(); stuck > 0 {
		log.Error().Int("stuck", stuck).Msg("children could not be terminated")
		os.Exit(2)
	}
	if failures > 0 {
		os.Exit(1)
	}
}

// execOp shells out to the configured command inside the worker child,
// capturing stdout into the result mapping. Stderr stays attached so tool
// diagnostics are not lost.
func execOp(ctx context.Context, params map[string]any) (map[string]any, error) {
	raw, _ := params["cmd"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	argv := make([]string, 0, len(raw))
	for _, a := range raw {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("command arguments must be strings")
		}
		argv = append(argv, s)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir, ok := params["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return map[string]any{"stdout": stdout.String()}, nil
}
