package section

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grantscribe/grantd/internal/model"
	"github.com/grantscribe/grantd/internal/provider"
)

// TimeoutError reports a section attempt that exceeded its generation budget.
// It counts toward the section's retry budget.
type TimeoutError struct {
	Section string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("section %s timed out: %v", e.Section, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProviderError reports a failed provider call for a section. It counts
// toward the section's retry budget.
type ProviderError struct {
	Section string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("section %s generation failed: %v", e.Section, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExecContext carries the inputs for one section: the immutable project
// context and the answers of all previously completed sections.
type ExecContext struct {
	Project      model.ProjectContext
	PriorAnswers map[string]model.Answers
}

// Executor produces the content for exactly one named section.
type Executor interface {
	// Execute generates the section's answers. It enforces its own timeouts,
	// returns a *TimeoutError or *ProviderError on failure, and never
	// partially mutates caller state: answers are returned only when every
	// question succeeded.
	Execute(ctx context.Context, spec Spec, ec ExecContext) (model.Answers, error)
}

// completer is the narrow provider surface the executor needs.
type completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// ExecutorConfig tunes the provider-backed executor.
type ExecutorConfig struct {
	Model           string
	MaxTokens       int
	ContextTimeout  time.Duration // prompt/context assembly budget
	GenerateTimeout time.Duration // whole-section generation budget
}

type providerExecutor struct {
	completer completer
	cfg       ExecutorConfig
}

// NewExecutor creates the provider-backed section executor.
func NewExecutor(c completer, cfg ExecutorConfig) Executor {
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = 30 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &providerExecutor{completer: c, cfg: cfg}
}

func (e *providerExecutor) Execute(ctx context.Context, spec Spec, ec ExecContext) (model.Answers, error) {
	buildCtx, cancelBuild := context.WithTimeout(ctx, e.cfg.ContextTimeout)
	system, background := buildContext(ec)
	// Read the deadline state before releasing the context; cancel itself
	// sets Err to context.Canceled.
	buildErr := buildCtx.Err()
	cancelBuild()
	if buildErr != nil {
		return nil, &TimeoutError{Section: spec.Name, Err: buildErr}
	}

	genCtx, cancelGen := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	defer cancelGen()

	answers := make(model.Answers, len(spec.Questions))
	for _, q := range spec.Questions {
		resp, err := e.completer.Complete(genCtx, provider.CompletionRequest{
			Model:     e.cfg.Model,
			System:    system,
			Prompt:    fmt.Sprintf("%s\n\nSection: %s\n%s", background, spec.Title, q.Prompt),
			MaxTokens: e.cfg.MaxTokens,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && genCtx.Err() != nil {
				return nil, &TimeoutError{Section: spec.Name, Err: err}
			}
			return nil, &ProviderError{Section: spec.Name, Err: err}
		}
		answers[q.ID] = resp.Content
	}
	return answers, nil
}

// buildContext assembles the system prompt and the cross-section background
// from the project context and every prior section's answers, so later
// sections stay consistent with what was already written.
func buildContext(ec ExecContext) (system, background string) {
	var sb strings.Builder
	sb.WriteString("You are an experienced grant writer drafting a funding application.\n")
	sb.WriteString("Write in a professional, persuasive register. Do not invent facts.")
	system = sb.String()

	var bg strings.Builder
	bg.WriteString("Project: " + ec.Project.ProjectName + "\n")
	bg.WriteString("Organization: " + ec.Project.Organization + "\n")
	bg.WriteString("Description: " + ec.Project.Description + "\n")
	if ec.Project.TargetPopulation != "" {
		bg.WriteString("Target population: " + ec.Project.TargetPopulation + "\n")
	}
	if ec.Project.RequestedAmount != "" {
		bg.WriteString("Requested amount: " + ec.Project.RequestedAmount + "\n")
	}
	if ec.Project.DurationMonths > 0 {
		bg.WriteString(fmt.Sprintf("Duration: %d months\n", ec.Project.DurationMonths))
	}
	if ec.Project.FunderName != "" {
		bg.WriteString("Funder: " + ec.Project.FunderName + "\n")
	}

	if len(ec.PriorAnswers) > 0 {
		names := make([]string, 0, len(ec.PriorAnswers))
		for name := range ec.PriorAnswers {
			names = append(names, name)
		}
		sort.Strings(names)

		bg.WriteString("\nSections already written:\n")
		for _, name := range names {
			bg.WriteString("## " + name + "\n")
			ans := ec.PriorAnswers[name]
			qids := make([]string, 0, len(ans))
			for qid := range ans {
				qids = append(qids, qid)
			}
			sort.Strings(qids)
			for _, qid := range qids {
				bg.WriteString(ans[qid] + "\n")
			}
		}
	}
	return system, bg.String()
}
