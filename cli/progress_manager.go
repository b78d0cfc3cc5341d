package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pterm/pterm"

	"go.viam.com/voxelvault/utils"
)

type progressSpinner interface {
	Stop() error
	Success(...any)
	Fail(...any)
	UpdateText(string)
}

type progressSpinnerFactory func(string) (progressSpinner, error)

var defaultSpinnerFactory progressSpinnerFactory = func(text string) (progressSpinner, error) {
	spinner, err := pterm.DefaultSpinner.
		WithRemoveWhenDone(false).
		WithText(text).
		Start()
	if err != nil {
		return nil, err
	}
	return spinner, nil
}

// StepStatus represents the state of a progress step.
type StepStatus int

const (
	// StepPending indicates a step has not yet started.
	StepPending StepStatus = iota
	// StepRunning indicates a step is currently in progress.
	StepRunning
	// StepCompleted indicates a step finished successfully.
	StepCompleted
	// StepFailed indicates a step encountered an error.
	StepFailed
	// StepSkipped indicates a step was given up on without failing the whole run.
	StepSkipped
)

// Step is one line of progress output. Conversions have one root step per phase and one child
// step per item.
type Step struct {
	ID          string
	Message     string
	Status      StepStatus
	IndentLevel int
	startTime   time.Time
}

// ProgressManager shows a sequence of steps, animating a spinner for the running child step.
type ProgressManager struct {
	mu             sync.Mutex
	out            io.Writer
	clock          clock.Clock
	steps          []*Step
	stepMap        map[string]*Step
	currentSpinner progressSpinner
	spinnerFactory progressSpinnerFactory
	disabled       bool
}

// ProgressManagerOption allows customizing ProgressManager behavior at creation time.
type ProgressManagerOption func(*ProgressManager)

// WithProgressOutput enables or disables terminal output for a ProgressManager.
func WithProgressOutput(enabled bool) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.disabled = !enabled
	}
}

// WithProgressClock sets the clock elapsed times are measured with.
func WithProgressClock(clk clock.Clock) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.clock = clk
	}
}

func withProgressSpinnerFactory(factory progressSpinnerFactory) ProgressManagerOption {
	return func(pm *ProgressManager) {
		pm.spinnerFactory = factory
	}
}

// NewProgressManager creates a ProgressManager writing root step lines to out.
func NewProgressManager(out io.Writer, steps []*Step, opts ...ProgressManagerOption) *ProgressManager {
	pterm.Success.Prefix = pterm.Prefix{Text: "✓", Style: pterm.NewStyle(pterm.FgGreen)}
	pterm.Error.Prefix = pterm.Prefix{Text: "✗", Style: pterm.NewStyle(pterm.FgRed)}
	pterm.Warning.Prefix = pterm.Prefix{Text: "!", Style: pterm.NewStyle(pterm.FgYellow)}
	pterm.DefaultSpinner.Style = pterm.NewStyle(pterm.FgCyan)

	pm := &ProgressManager{
		out:            out,
		clock:          clock.New(),
		stepMap:        map[string]*Step{},
		spinnerFactory: defaultSpinnerFactory,
	}
	for _, step := range steps {
		pm.add(step)
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

func (pm *ProgressManager) add(step *Step) {
	pm.steps = append(pm.steps, step)
	pm.stepMap[step.ID] = step
}

// AddStep registers a step after creation, for work only discovered while running.
func (pm *ProgressManager) AddStep(step *Step) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.stepMap[step.ID]; ok {
		return utils.NewInvalidParameterError("step %q already exists", step.ID)
	}
	pm.add(step)
	return nil
}

// Status returns the status of a step.
func (pm *ProgressManager) Status(stepID string) (StepStatus, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	step, err := pm.lookup(stepID)
	if err != nil {
		return StepPending, err
	}
	return step.Status, nil
}

func (pm *ProgressManager) lookup(stepID string) (*Step, error) {
	step, ok := pm.stepMap[stepID]
	if !ok {
		return nil, utils.NewNotFoundError("step %q not found", stepID)
	}
	return step, nil
}

func getPrefix(step *Step) string {
	if step.IndentLevel == 0 {
		return ""
	}
	return strings.Repeat("  ", step.IndentLevel) + "→ "
}

func (pm *ProgressManager) elapsed(step *Step) string {
	if step.startTime.IsZero() {
		return ""
	}
	return fmt.Sprintf(" (%s)", pm.clock.Since(step.startTime).Round(time.Second))
}

// Start marks a step as running. Root steps print a line, child steps get a spinner.
func (pm *ProgressManager) Start(stepID string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.lookup(stepID)
	if err != nil {
		return err
	}
	step.Status = StepRunning
	step.startTime = pm.clock.Now()

	if pm.disabled {
		return nil
	}
	if step.IndentLevel == 0 {
		fmt.Fprintf(pm.out, " …  %s\n", step.Message) //nolint:errcheck
		return nil
	}

	if pm.currentSpinner != nil {
		_ = pm.currentSpinner.Stop() //nolint:errcheck
	}
	// pterm adds a space after the spinner character so children get one more before the arrow.
	spinner, err := pm.spinnerFactory(" " + getPrefix(step) + step.Message)
	if err != nil {
		return utils.NewInternalError("starting spinner: %v", err)
	}
	pm.currentSpinner = spinner
	return nil
}

// Complete marks a step as completed with its own message.
func (pm *ProgressManager) Complete(stepID string) error {
	return pm.finish(stepID, StepCompleted, "")
}

// CompleteWithMessage marks a step as completed with a custom message.
func (pm *ProgressManager) CompleteWithMessage(stepID, message string) error {
	return pm.finish(stepID, StepCompleted, message)
}

// Skip marks a step as skipped. It is shown as a warning.
func (pm *ProgressManager) Skip(stepID, reason string) error {
	return pm.finish(stepID, StepSkipped, reason)
}

// Fail marks a step as failed.
func (pm *ProgressManager) Fail(stepID string, cause error) error {
	return pm.finish(stepID, StepFailed, fmt.Sprint(cause))
}

func (pm *ProgressManager) finish(stepID string, status StepStatus, message string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	step, err := pm.lookup(stepID)
	if err != nil {
		return err
	}
	step.Status = status
	if pm.disabled {
		return nil
	}

	var line string
	switch status {
	case StepCompleted:
		if message == "" {
			message = step.Message
		}
		line = getPrefix(step) + message + pm.elapsed(step)
	case StepSkipped:
		line = getPrefix(step) + step.Message + " skipped: " + message
	case StepFailed:
		line = getPrefix(step) + step.Message + ": " + message
	case StepPending, StepRunning:
	}
	if step.IndentLevel > 0 {
		line = " " + line
	}

	if pm.currentSpinner != nil && step.IndentLevel > 0 {
		if status == StepCompleted {
			pm.currentSpinner.Success(line)
		} else {
			pm.currentSpinner.Fail(line)
		}
		pm.currentSpinner = nil
		return nil
	}
	switch status {
	case StepCompleted:
		pterm.Success.WithWriter(pm.out).Println(line)
	case StepSkipped:
		pterm.Warning.WithWriter(pm.out).Println(line)
	case StepFailed:
		pterm.Error.WithWriter(pm.out).Println(line)
	case StepPending, StepRunning:
	}
	return nil
}

// UpdateText updates the text of the running child spinner.
func (pm *ProgressManager) UpdateText(text string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.disabled || pm.currentSpinner == nil {
		return
	}
	pm.currentSpinner.UpdateText(text)
}

// Stop stops any active spinner.
func (pm *ProgressManager) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.disabled || pm.currentSpinner == nil {
		return
	}
	_ = pm.currentSpinner.Stop() //nolint:errcheck
	pm.currentSpinner = nil
}
