// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianProof/services/pipeline"
)

// withPipeline opens the pipeline on the configured data dir, runs fn,
// closes the store, and exits with fn's code. Badger holds an
// exclusive directory lock, so commands fail fast when the gateway is
// already running against the same store.
//
// # Inputs
//
//   - background: if true, start the anchorer's background loop so
//     batch-size anchor triggers fire during the command.
//   - fn: the command body. Its return value becomes the process exit
//     code.
func withPipeline(background bool, fn func(ctx context.Context, svc *pipeline.Service) int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.Open(ctx, cfg)
	if err != nil {
		OutputError(jsonOutput, "Failed to open pipeline", err)
		os.Exit(CLIExitError)
	}
	if background {
		svc.Start()
	}

	code := fn(ctx, svc)

	if err := svc.Close(); err != nil {
		OutputError(jsonOutput, "Failed to close pipeline cleanly", err)
		if code == CLIExitSuccess {
			code = CLIExitError
		}
	}
	os.Exit(code)
}

// confirmOrAbort asks the operator for a yes/no and defaults to stop.
func confirmOrAbort(prompt string) bool {
	fmt.Printf("%s (yes/no): ", prompt)
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "yes" || input == "y"
}
