// Package keygate checks whether required API keys/credentials are
// present and non-placeholder before a sandboxed execution is allowed
// to proceed, pausing for human-in-the-loop input otherwise.
//
// Gate.Resume's .env reload sets variables in the process-wide
// environment, so its effect is visible to the whole gateway, not just
// the execution being resumed. Reloads are not serialised by a lock of
// this package.
package keygate

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// placeholderExact holds case-insensitive values treated as "not really set".
var placeholderExact = map[string]bool{
	"todo":        true,
	"change_me":   true,
	"placeholder": true,
	"test-key":    true,
	"fake-key":    true,
	"example":     true,
	"insert-here": true,
	"replace-me":  true,
}

// IsValid reports whether value is a real, non-placeholder credential.
func IsValid(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return false
	}
	lower := strings.ToLower(v)
	if placeholderExact[lower] {
		return false
	}
	if strings.HasPrefix(lower, "xxx") {
		return false
	}
	if strings.HasPrefix(lower, "your-key") {
		return false
	}
	if strings.HasPrefix(lower, "<") && strings.HasSuffix(lower, ">") {
		return false
	}
	return true
}

// CheckResult reports every issue found, never just the first.
type CheckResult struct {
	AllValid bool     `json:"allValid"`
	Missing  []string `json:"missing,omitempty"`
	Invalid  []string `json:"invalid,omitempty"`
}

// CheckKeys validates every required env var against the current
// process environment, collecting every issue before returning.
func CheckKeys(required []string) CheckResult {
	var missing, invalid []string
	for _, name := range required {
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !IsValid(value) {
			invalid = append(invalid, name)
		}
	}
	return CheckResult{
		AllValid: len(missing) == 0 && len(invalid) == 0,
		Missing:  missing,
		Invalid:  invalid,
	}
}

// PauseEnvelope is the HIL pause payload.
type PauseEnvelope struct {
	ApprovalRequired bool     `json:"approvalRequired"`
	ApprovalType     string   `json:"approvalType"`
	WorkflowID       string   `json:"workflowId"`
	MissingKeys      []string `json:"missingKeys"`
	Instruction      string   `json:"instruction"`
}

// PauseForMissingKeys builds the HIL envelope for a failed CheckResult.
func PauseForMissingKeys(result CheckResult, workflowID string) PauseEnvelope {
	all := append(append([]string{}, result.Missing...), result.Invalid...)
	return PauseEnvelope{
		ApprovalRequired: true,
		ApprovalType:     "api_key_required",
		WorkflowID:       workflowID,
		MissingKeys:      all,
		Instruction:      instructionFor(all),
	}
}

func instructionFor(keys []string) string {
	if len(keys) == 0 {
		return "Set the required environment variables and resume."
	}
	return "Set the following environment variable(s) in your workspace .env file, then resume: " + strings.Join(keys, ", ")
}

// Gate owns the workspace-relative .env reload cycle for HIL resume.
type Gate struct {
	workspaceRoot string
}

// New builds a Gate rooted at workspaceRoot. Env reload is always
// workspace-relative so a shipped binary behaves the same from any
// working directory.
func New(workspaceRoot string) *Gate {
	return &Gate{workspaceRoot: workspaceRoot}
}

// Resume reloads the workspace .env file, forcibly overwriting any
// already-set process env vars (godotenv.Overload, not Load — see
// DESIGN.md), then re-runs CheckKeys. Returns the fresh CheckResult so
// the caller can decide whether to proceed or re-pause.
func (g *Gate) Resume(required []string) (CheckResult, error) {
	envPath := filepath.Join(g.workspaceRoot, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Overload(envPath); err != nil {
			return CheckResult{}, err
		}
	}
	return CheckKeys(required), nil
}
