// Package integrations implements the jira_*/gitlab_* side of
// WorkerRuntime's executor dispatch (spec.md §4.8 step 4): calling out to
// Jira or GitLab with locally-stored worker credentials and reporting a
// structured JSON summary as output_text.
package integrations

import (
	"context"
	"encoding/json"
	"fmt"

	jira "github.com/andygrunwald/go-jira"
	gitlab "github.com/xanzy/go-gitlab"

	"github.com/coretask/boardqueue/internal/config"
	"github.com/coretask/boardqueue/internal/store"
)

// Runner dispatches jira_*/gitlab_* tasks to the matching client.
type Runner struct {
	jira   *jira.Client
	gitlab *gitlab.Client
}

// New builds a Runner from worker config. Either client is left nil if
// its base URL/token are unset; tasks of that family then fail fast with
// a clear error instead of a nil-pointer panic.
func New(cfg config.WorkerConfig) (*Runner, error) {
	r := &Runner{}
	if cfg.JiraBaseURL != "" && cfg.JiraToken != "" {
		tp := jira.BearerAuthTransport{Token: cfg.JiraToken}
		client, err := jira.NewClient(tp.Client(), cfg.JiraBaseURL)
		if err != nil {
			return nil, fmt.Errorf("build jira client: %w", err)
		}
		r.jira = client
	}
	if cfg.GitLabBaseURL != "" && cfg.GitLabToken != "" {
		client, err := gitlab.NewClient(cfg.GitLabToken, gitlab.WithBaseURL(cfg.GitLabBaseURL))
		if err != nil {
			return nil, fmt.Errorf("build gitlab client: %w", err)
		}
		r.gitlab = client
	}
	return r, nil
}

// Run executes one jira_*/gitlab_* task and returns a JSON summary of
// what it did, per spec.md §4.8.
func (r *Runner) Run(ctx context.Context, task store.Task) (string, error) {
	switch task.Type {
	case store.TaskJiraImport:
		return r.jiraImport(ctx, task)
	case store.TaskJiraPush:
		return r.jiraPush(ctx, task)
	case store.TaskJiraSync:
		return r.jiraSync(ctx, task)
	case store.TaskGitLabLink:
		return r.gitlabLink(ctx, task)
	case store.TaskGitLabCreateProject:
		return r.gitlabCreateProject(ctx, task)
	case store.TaskGitLabPush:
		return r.gitlabPush(ctx, task)
	default:
		return "", fmt.Errorf("integrations: unsupported task type %q", task.Type)
	}
}

type jiraPayload struct {
	ProjectKey  string `json:"project_key"`
	JQL         string `json:"jql"`
	IssueKey    string `json:"issue_key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

func decodeJiraPayload(raw string) (jiraPayload, error) {
	var p jiraPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// jiraImport runs the task's JQL (or a default "project = KEY" query) and
// reports how many issues matched. Creating one board card per issue is
// the caller's job once this task completes — TaskService attaches the
// summary as an output comment that the BFF can parse.
func (r *Runner) jiraImport(ctx context.Context, task store.Task) (string, error) {
	if r.jira == nil {
		return "", fmt.Errorf("jira client not configured")
	}
	p, err := decodeJiraPayload(task.Payload)
	if err != nil {
		return "", err
	}
	jql := p.JQL
	if jql == "" {
		jql = fmt.Sprintf("project = %s", p.ProjectKey)
	}
	issues, _, err := r.jira.Issue.SearchWithContext(ctx, jql, nil)
	if err != nil {
		return "", fmt.Errorf("jira search: %w", err)
	}
	keys := make([]string, 0, len(issues))
	for _, issue := range issues {
		keys = append(keys, issue.Key)
	}
	return summaryJSON(map[string]any{
		"action":      "jira_import",
		"project_key": p.ProjectKey,
		"issue_count": len(issues),
		"issue_keys":  keys,
	}), nil
}

func (r *Runner) jiraPush(ctx context.Context, task store.Task) (string, error) {
	if r.jira == nil {
		return "", fmt.Errorf("jira client not configured")
	}
	p, err := decodeJiraPayload(task.Payload)
	if err != nil {
		return "", err
	}
	update := jira.Issue{
		Key: p.IssueKey,
		Fields: &jira.IssueFields{
			Summary:     p.Summary,
			Description: p.Description,
		},
	}
	if _, err := r.jira.Issue.UpdateWithContext(ctx, &update); err != nil {
		return "", fmt.Errorf("jira update: %w", err)
	}
	return summaryJSON(map[string]any{"action": "jira_push", "issue_key": p.IssueKey}), nil
}

func (r *Runner) jiraSync(ctx context.Context, task store.Task) (string, error) {
	if r.jira == nil {
		return "", fmt.Errorf("jira client not configured")
	}
	p, err := decodeJiraPayload(task.Payload)
	if err != nil {
		return "", err
	}
	issues, _, err := r.jira.Issue.SearchWithContext(ctx, fmt.Sprintf("project = %s ORDER BY updated DESC", p.ProjectKey), nil)
	if err != nil {
		return "", fmt.Errorf("jira sync search: %w", err)
	}
	return summaryJSON(map[string]any{
		"action":      "jira_sync",
		"project_key": p.ProjectKey,
		"synced":      len(issues),
	}), nil
}

type gitlabPayload struct {
	ProjectPath string `json:"project_path"`
	Branch      string `json:"branch"`
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	Visibility  string `json:"visibility"`
}

func decodeGitLabPayload(raw string) (gitlabPayload, error) {
	var p gitlabPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func (r *Runner) gitlabLink(ctx context.Context, task store.Task) (string, error) {
	if r.gitlab == nil {
		return "", fmt.Errorf("gitlab client not configured")
	}
	p, err := decodeGitLabPayload(task.Payload)
	if err != nil {
		return "", err
	}
	proj, _, err := r.gitlab.Projects.GetProject(p.ProjectPath, nil, gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("gitlab get project: %w", err)
	}
	return summaryJSON(map[string]any{
		"action":       "gitlab_link",
		"project_path": p.ProjectPath,
		"project_id":   proj.ID,
		"web_url":      proj.WebURL,
	}), nil
}

func (r *Runner) gitlabCreateProject(ctx context.Context, task store.Task) (string, error) {
	if r.gitlab == nil {
		return "", fmt.Errorf("gitlab client not configured")
	}
	p, err := decodeGitLabPayload(task.Payload)
	if err != nil {
		return "", err
	}
	visibility := gitlab.PrivateVisibility
	switch p.Visibility {
	case "internal":
		visibility = gitlab.InternalVisibility
	case "public":
		visibility = gitlab.PublicVisibility
	}
	opts := &gitlab.CreateProjectOptions{
		Name:       gitlab.Ptr(p.Name),
		Visibility: gitlab.Ptr(visibility),
	}
	proj, _, err := r.gitlab.Projects.CreateProject(opts, gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("gitlab create project: %w", err)
	}
	return summaryJSON(map[string]any{
		"action":     "gitlab_create_project",
		"project_id": proj.ID,
		"web_url":    proj.WebURL,
	}), nil
}

func (r *Runner) gitlabPush(ctx context.Context, task store.Task) (string, error) {
	if r.gitlab == nil {
		return "", fmt.Errorf("gitlab client not configured")
	}
	p, err := decodeGitLabPayload(task.Payload)
	if err != nil {
		return "", err
	}
	branch, _, err := r.gitlab.Branches.GetBranch(p.ProjectPath, p.Branch, gitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("gitlab get branch: %w", err)
	}
	return summaryJSON(map[string]any{
		"action":       "gitlab_push",
		"project_path": p.ProjectPath,
		"branch":       branch.Name,
		"commit_sha":   branch.Commit.ID,
	}), nil
}

func summaryJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
