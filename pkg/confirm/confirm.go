// Package confirm asks the user to approve destructive actions such as
// clearing the conversation or logging out.
package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Decision captures how a confirmation ended.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimeout  Decision = "timeout"
)

// Record describes one answered prompt.
type Record struct {
	Message   string
	Decision  Decision
	Answer    string
	Requested time.Time
	Decided   time.Time
}

// Approved reports whether the action may proceed.
func (r Record) Approved() bool { return r.Decision == DecisionApproved }

// Confirmer is the single capability callers depend on.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// Func adapts a plain function to Confirmer.
type Func func(ctx context.Context, message string) (bool, error)

func (f Func) Confirm(ctx context.Context, message string) (bool, error) {
	if f == nil {
		return false, nil
	}
	return f(ctx, message)
}

// Always answers every prompt with v, for scripts and --yes flags.
func Always(v bool) Confirmer {
	return Func(func(context.Context, string) (bool, error) { return v, nil })
}

// PrompterOption customises a Prompter.
type PrompterOption func(*Prompter)

// WithTimeout declines prompts left unanswered for d.
func WithTimeout(d time.Duration) PrompterOption {
	return func(p *Prompter) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock overrides the timestamp source used in records.
func WithClock(now func() time.Time) PrompterOption {
	return func(p *Prompter) {
		if now != nil {
			p.now = now
		}
	}
}

// Prompter writes a y/N question and reads the answer line by line. A
// single goroutine owns the reader so that a timed-out prompt does not lose
// the next answer.
type Prompter struct {
	in      *bufio.Reader
	out     io.Writer
	timeout time.Duration
	now     func() time.Time

	once  sync.Once
	lines chan lineResult
}

type lineResult struct {
	text string
	err  error
}

func NewPrompter(in io.Reader, out io.Writer, opts ...PrompterOption) *Prompter {
	if out == nil {
		out = io.Discard
	}
	p := &Prompter{
		in:  bufio.NewReader(in),
		out: out,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Confirm implements Confirmer.
func (p *Prompter) Confirm(ctx context.Context, message string) (bool, error) {
	rec, err := p.Ask(ctx, message)
	if err != nil {
		return false, err
	}
	return rec.Approved(), nil
}

// Ask prompts and returns the full record. Unrecognised answers, an empty
// line and end of input all decline.
func (p *Prompter) Ask(ctx context.Context, message string) (Record, error) {
	rec := Record{Message: message, Requested: p.now()}
	if _, err := fmt.Fprintf(p.out, "%s [y/N]: ", strings.TrimSpace(message)); err != nil {
		return rec, fmt.Errorf("confirm: write prompt: %w", err)
	}
	p.once.Do(p.pump)

	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return rec, ctx.Err()
	case <-timeout:
		rec.Decision = DecisionTimeout
	case line := <-p.lines:
		if line.err != nil && !errors.Is(line.err, io.EOF) {
			return rec, fmt.Errorf("confirm: read answer: %w", line.err)
		}
		rec.Answer = line.text
		rec.Decision = ParseAnswer(line.text)
	}
	rec.Decided = p.now()
	return rec, nil
}

func (p *Prompter) pump() {
	p.lines = make(chan lineResult)
	go func() {
		defer close(p.lines)
		for {
			text, err := p.in.ReadString('\n')
			p.lines <- lineResult{text: strings.TrimSpace(text), err: err}
			if err != nil {
				return
			}
		}
	}()
}

// ParseAnswer maps a typed answer to a decision.
func ParseAnswer(answer string) Decision {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "是", "确定", "确认":
		return DecisionApproved
	default:
		return DecisionRejected
	}
}
