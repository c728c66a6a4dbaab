package models

import "strings"

// REPLResult captures one code-fragment execution inside the environment.
type REPLResult struct {
	// Stdout is everything the fragment printed.
	Stdout string `json:"stdout"`

	// Stderr holds captured error output, including the class name and
	// message of any exception raised by the fragment.
	Stderr string `json:"stderr"`

	// Locals is a snapshot of user bindings after execution, excluding
	// names starting with "_" and the evaluator's internal names.
	Locals map[string]any `json:"locals,omitempty"`

	// ExecutionTime is wall-clock seconds spent executing the fragment.
	ExecutionTime float64 `json:"execution_time"`

	// NestedCalls lists the sub-completions performed via llm_query and
	// llm_query_batched while this fragment was executing, in the order
	// the helper calls returned. The records of one llm_query_batched call
	// appear in input order, not in the order their sub-queries finished.
	NestedCalls []ChatCompletion `json:"nested_calls,omitempty"`
}

// CodeBlock pairs a fenced code fragment with its execution result.
type CodeBlock struct {
	Code   string     `json:"code"`
	Result REPLResult `json:"result"`
}

// Iteration records one turn of a completion: the full prompt sent, the
// raw model response, the executed code blocks in source order, and the
// iteration wall-clock time. Immutable once emitted.
type Iteration struct {
	Prompt        []Message   `json:"prompt"`
	Response      string      `json:"response"`
	CodeBlocks    []CodeBlock `json:"code_blocks"`
	IterationTime float64     `json:"iteration_time"`

	// FinalAnswer is set when a final-answer marker resolved this turn.
	FinalAnswer *string `json:"final_answer,omitempty"`
}

// ChatCompletion is the return value of one completion call.
type ChatCompletion struct {
	RootModel     string       `json:"root_model"`
	Prompt        Prompt       `json:"prompt"`
	Response      string       `json:"response"`
	UsageSummary  UsageSummary `json:"usage_summary"`
	ExecutionTime float64      `json:"execution_time"`
}

// Metadata describes one controller run. Emitted once, before the first
// iteration record. Backend and environment options must already have
// sensitive keys stripped (see FilterSensitiveOptions).
type Metadata struct {
	RootModel          string         `json:"root_model"`
	MaxDepth           int            `json:"max_depth"`
	MaxIterations      int            `json:"max_iterations"`
	Backend            string         `json:"backend"`
	BackendOptions     map[string]any `json:"backend_kwargs,omitempty"`
	EnvironmentType    string         `json:"environment_type"`
	EnvironmentOptions map[string]any `json:"environment_kwargs,omitempty"`
	OtherBackends      []string       `json:"other_backends,omitempty"`
}

// FilterSensitiveOptions returns a copy of opts with credential-bearing
// keys removed. A key is sensitive when its lower-cased form contains
// both "api" and "key".
func FilterSensitiveOptions(opts map[string]any) map[string]any {
	if opts == nil {
		return nil
	}
	filtered := make(map[string]any, len(opts))
	for k, v := range opts {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "api") && strings.Contains(lower, "key") {
			continue
		}
		filtered[k] = v
	}
	return filtered
}
