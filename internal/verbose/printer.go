// Package verbose renders driver progress to the console. Used for
// debugging and demos; the structured record of a run is the trajectory
// log, not this output.
package verbose

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/haasonsaas/relm/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	codeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// Printer writes styled progress output. The zero value and a nil
// pointer are both safe no-ops; enable with NewPrinter(true).
type Printer struct {
	enabled bool
	out     io.Writer
}

// NewPrinter creates a printer writing to stderr when enabled.
func NewPrinter(enabled bool) *Printer {
	return &Printer{enabled: enabled, out: os.Stderr}
}

// Enabled reports whether output is active.
func (p *Printer) Enabled() bool {
	return p != nil && p.enabled
}

// PrintMetadata renders the run configuration once at controller start.
func (p *Printer) PrintMetadata(metadata models.Metadata) {
	if !p.Enabled() {
		return
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("rlm run") + "\n")
	b.WriteString(fmt.Sprintf("model: %s  backend: %s  env: %s\n",
		metadata.RootModel, metadata.Backend, metadata.EnvironmentType))
	b.WriteString(dimStyle.Render(fmt.Sprintf("max_depth=%d max_iterations=%d",
		metadata.MaxDepth, metadata.MaxIterations)))
	if len(metadata.OtherBackends) > 0 {
		b.WriteString(dimStyle.Render(
			fmt.Sprintf(" aux=[%s]", strings.Join(metadata.OtherBackends, ", "))))
	}
	fmt.Fprintln(p.out, panelStyle.Render(b.String()))
}

// PrintIteration renders one turn: the model response, then each code
// block with its captured output.
func (p *Printer) PrintIteration(iteration models.Iteration, n int) {
	if !p.Enabled() {
		return
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("iteration %d", n)))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  (%.2fs)", iteration.IterationTime)))
	b.WriteString("\n" + iteration.Response)

	for i, block := range iteration.CodeBlocks {
		b.WriteString("\n\n" + dimStyle.Render(fmt.Sprintf("block %d:", i+1)) + "\n")
		b.WriteString(codeStyle.Render(block.Code))
		if block.Result.Stdout != "" {
			b.WriteString("\n" + block.Result.Stdout)
		}
		if block.Result.Stderr != "" {
			b.WriteString("\n" + errStyle.Render(block.Result.Stderr))
		}
		if n := len(block.Result.NestedCalls); n > 0 {
			b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("%d sub-quer%s", n, plural(n, "y", "ies"))))
		}
	}
	fmt.Fprintln(p.out, panelStyle.Render(b.String()))
}

// PrintFinalAnswer renders the resolved final answer.
func (p *Printer) PrintFinalAnswer(answer string) {
	if !p.Enabled() {
		return
	}
	fmt.Fprintln(p.out, okStyle.Render("final answer: ")+answer)
}

// PrintSummary renders run totals after completion.
func (p *Printer) PrintSummary(iterations int, seconds float64, usage models.UsageSummary) {
	if !p.Enabled() {
		return
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("summary") + "\n")
	b.WriteString(fmt.Sprintf("iterations: %d  time: %.2fs\n", iterations, seconds))
	for _, model := range usage.ModelNames() {
		u := usage.Models[model]
		b.WriteString(fmt.Sprintf("%s: %d in / %d out tokens, %d calls, $%.4f\n",
			model, u.InputTokens, u.OutputTokens, u.Calls, u.Cost))
	}
	fmt.Fprint(p.out, panelStyle.Render(strings.TrimRight(b.String(), "\n"))+"\n")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
