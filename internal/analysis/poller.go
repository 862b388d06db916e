package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"labtools/internal/blocks"
	"labtools/internal/logger"
)

// Poller runs an analysis job through its lifecycle and gathers the complete
// block list.
type Poller struct {
	analyzer Analyzer
	config   PollConfig
	log      zerolog.Logger
}

// NewPoller creates a Poller for analyzer. Unset fields of config take their
// DefaultPollConfig values.
func NewPoller(analyzer Analyzer, config PollConfig) *Poller {
	return &Poller{
		analyzer: analyzer,
		config:   config.WithDefaults(),
		log:      logger.WithComponent("analysis-poller"),
	}
}

// Analyze starts a job for req, waits for it and returns every block of every
// page. A FAILED or timed out job returns an error and no blocks.
func (p *Poller) Analyze(ctx context.Context, req Request) (*Result, error) {
	const op = "Analyze"

	jobID, err := p.analyzer.StartAnalysis(ctx, req)
	if err != nil {
		return nil, WrapAnalysisError(op, err, fmt.Sprintf("failed to start analysis for %s/%s", req.Bucket, req.Key))
	}
	p.log.Info().
		Str("job_id", jobID).
		Str("bucket", req.Bucket).
		Str("key", req.Key).
		Msg("Analysis job started")

	started := time.Now()
	first, attempts, err := p.Wait(ctx, jobID)
	if err != nil {
		return nil, withJob(err, jobID)
	}

	list, pages, err := p.Collect(ctx, jobID, first)
	if err != nil {
		return nil, withJob(err, jobID)
	}

	result := &Result{
		JobID:    jobID,
		Blocks:   list,
		Pages:    pages,
		Attempts: attempts,
		Waited:   time.Since(started),
	}
	p.log.Info().
		Str("job_id", jobID).
		Int("pages", pages).
		Int("blocks", len(list)).
		Int("attempts", attempts).
		Dur("waited", result.Waited).
		Msg("Analysis job collected")
	return result, nil
}

// Wait polls jobID until it reaches a terminal state and returns the first
// result page together with the number of status checks made. It sleeps
// Interval between checks and gives up after MaxAttempts checks or Timeout.
func (p *Poller) Wait(ctx context.Context, jobID string) (*Page, int, error) {
	const op = "Wait"

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		page, err := p.analyzer.GetAnalysis(ctx, jobID, "")
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, attempt, WrapAnalysisError(op, ErrPollTimeout, fmt.Sprintf("deadline of %s reached", p.config.Timeout))
			}
			return nil, attempt, WrapAnalysisError(op, err, "failed to get job status")
		}

		switch page.JobStatus {
		case StatusSucceeded:
			return page, attempt, nil
		case StatusFailed:
			details := "job reported FAILED"
			if page.StatusMessage != "" {
				details = page.StatusMessage
			}
			return nil, attempt, WrapAnalysisError(op, ErrJobFailed, details)
		}

		p.log.Debug().
			Str("job_id", jobID).
			Str("status", string(page.JobStatus)).
			Int("attempt", attempt).
			Msg("Analysis job not finished")

		if attempt >= p.config.MaxAttempts {
			return nil, attempt, WrapAnalysisError(op, ErrPollTimeout, fmt.Sprintf("still %s after %d attempts", page.JobStatus, attempt))
		}

		timer := time.NewTimer(p.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, attempt, WrapAnalysisError(op, ErrPollTimeout, fmt.Sprintf("deadline of %s reached", p.config.Timeout))
			}
			return nil, attempt, WrapAnalysisError(op, ErrContextCanceled, ctx.Err().Error())
		case <-timer.C:
		}
	}
}

// Collect follows continuation tokens from first until none is returned and
// concatenates the blocks of every page. Nothing is returned unless every
// page was fetched.
func (p *Poller) Collect(ctx context.Context, jobID string, first *Page) ([]blocks.Block, int, error) {
	const op = "Collect"

	all := append([]blocks.Block(nil), first.Blocks...)
	pages := 1
	seen := make(map[string]bool)

	for token := first.NextToken; token != ""; {
		if seen[token] {
			return nil, pages, WrapAnalysisError(op, ErrPaginationLoop, fmt.Sprintf("token %q", token))
		}
		if pages >= p.config.MaxPages {
			return nil, pages, WrapAnalysisError(op, ErrTooManyPages, fmt.Sprintf("limit %d", p.config.MaxPages))
		}
		seen[token] = true

		page, err := p.analyzer.GetAnalysis(ctx, jobID, token)
		if err != nil {
			return nil, pages, WrapAnalysisError(op, err, fmt.Sprintf("failed to fetch page %d", pages+1))
		}
		if page.JobStatus == StatusFailed {
			return nil, pages, WrapAnalysisError(op, ErrJobFailed, page.StatusMessage)
		}

		all = append(all, page.Blocks...)
		pages++
		token = page.NextToken
	}
	return all, pages, nil
}
