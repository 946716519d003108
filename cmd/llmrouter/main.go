// Command llmrouter runs the reverse-proxy router fronting a fleet of LLM
// inference workers. Most of its functionality lives in internal/; this
// binary is a thin Cobra wrapper, the way cmd/caddy/main.go just calls
// into caddycmd.Main().
package main

import (
	"log/slog"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/llmrouter/llmrouter/internal/applog"
	llmroutercmd "github.com/llmrouter/llmrouter/cmd/llmroutercmd"
)

func main() {
	logger, err := applog.New(applog.DefaultConfig())
	if err != nil {
		logger = applog.Nop()
	}

	// Configure the maximum number of CPUs to use to match the Linux
	// container quota (if any). See https://pkg.go.dev/runtime#GOMAXPROCS
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Configure the maximum memory to use to match the Linux container
	// quota (if any) or system memory. See
	// https://pkg.go.dev/runtime/debug#SetMemoryLimit
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(
			slog.New(zapslog.NewHandler(logger.Core())),
		),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)

	llmroutercmd.Execute()
}
