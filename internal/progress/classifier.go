// Package progress derives the current step of each live agent from the tail
// of its streaming output.
package progress

import "strings"

// Step is a coarse label for what an agent is currently doing.
type Step string

const (
	StepCommitting   Step = "Committing"
	StepStaging      Step = "Staging"
	StepLogging      Step = "Logging"
	StepUpdatingPRD  Step = "Updating PRD"
	StepLinting      Step = "Linting"
	StepTesting      Step = "Testing"
	StepWritingTests Step = "Writing tests"
	StepImplementing Step = "Implementing"
	StepReadingCode  Step = "Reading code"
	StepRunningCmd   Step = "Running cmd"
	StepThinking     Step = "Thinking"
)

// stepRule maps a set of lowercase substrings to a step. Rules are evaluated
// in order; the first rule with any matching token wins.
type stepRule struct {
	step   Step
	tokens []string
}

var stepRules = []stepRule{
	{StepCommitting, []string{"git commit"}},
	{StepStaging, []string{"git add"}},
	{StepLogging, []string{"progress.md"}},
	{StepUpdatingPRD, []string{"tasks.json", "prd.md"}},
	{StepLinting, []string{"eslint", "biome", "prettier", "lint"}},
	{StepTesting, []string{"vitest", "jest", "bun test", "npm test", "pytest", "go test"}},
	{StepWritingTests, []string{".test.", ".spec.", "__tests__", "_test."}},
	{StepImplementing, []string{`"name":"write"`, `"name":"edit"`, `"name":"multiedit"`, "write_file", "edit_file", "str_replace"}},
	{StepReadingCode, []string{`"name":"read"`, `"name":"glob"`, `"name":"grep"`, "read_file", "glob", "grep"}},
	{StepRunningCmd, []string{`"name":"bash"`, "terminal", "shell"}},
	{StepThinking, []string{"thinking"}},
}

// Classify maps a bounded window of agent output to the agent's current step.
// The function is pure and total: same input, same output, and every input
// maps to exactly one step. Unmatched input classifies as Thinking.
func Classify(window string) Step {
	w := strings.ToLower(window)
	for _, rule := range stepRules {
		for _, token := range rule.tokens {
			if strings.Contains(w, token) {
				return rule.step
			}
		}
	}
	return StepThinking
}
