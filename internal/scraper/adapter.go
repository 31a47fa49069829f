package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// CommandAdapter runs an external scraper process. The request is written
// as JSON on stdin and the Result is read as JSON from stdout.
type CommandAdapter struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

type request struct {
	Options     Options     `json:"options"`
	Credentials Credentials `json:"credentials"`
}

func (a *CommandAdapter) Scrape(ctx context.Context, opts Options, creds Credentials) (Result, error) {
	if a.Command == "" {
		return Result{}, fmt.Errorf("scraper command not configured")
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(request{Options: opts, Credentials: creds})
	if err != nil {
		return Result{}, fmt.Errorf("encode scraper request: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	if a.Logger != nil {
		a.Logger.Debug("scraper_exit", "vendor", opts.CompanyID, "duration_ms", time.Since(start).Milliseconds(), "err", err)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{}, fmt.Errorf("run scraper %s: %s", a.Command, msg)
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, fmt.Errorf("decode scraper output: %w", err)
	}
	return res, nil
}
