package workerrun

import (
	"context"
	"os"

	"github.com/coretask/boardqueue/internal/store"
)

// osHostname wraps os.Hostname so runtime.go's single call site reads
// cleanly next to the rest of the bootstrap sequence.
func osHostname() (string, error) {
	return os.Hostname()
}

// IntegrationRunner performs one jira_*/gitlab_* task using credentials
// stored locally on the worker, per spec.md §4.8 step 4. The concrete
// Jira/GitLab clients live in internal/integrations; this seam lets the
// runtime dispatch without importing every integration unconditionally.
type IntegrationRunner interface {
	Run(ctx context.Context, task store.Task) (outputText string, err error)
}

// executeIntegration dispatches a jira_*/gitlab_* task to the configured
// IntegrationRunner. Import/sync tasks report a structured JSON summary
// in output_text so the board UI can render what was created or updated.
func (r *Runtime) executeIntegration(ctx context.Context, task store.Task, workerID string) {
	if r.integrations == nil {
		_ = r.client.Fail(ctx, task.ID, workerID, "no integration runner configured", "")
		return
	}

	output, err := r.integrations.Run(ctx, task)
	if err != nil {
		_ = r.client.Fail(context.Background(), task.ID, workerID, err.Error(), output)
		return
	}
	_ = r.client.Complete(context.Background(), task.ID, workerID, output)
}
