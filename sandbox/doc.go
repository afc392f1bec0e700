// Package sandbox provides isolated, disposable SQL execution environments.
//
// The sandbox package implements the core of the SQL learning sandbox: an
// in-memory lifecycle registry with per-user and global quotas, a schema
// provisioner that creates isolated schemas with scoped-privilege
// credentials, a pattern-based query guard that rejects destructive and
// injection-shaped statements before execution, a timeout-bounded query
// runner with error sanitization, and a result comparator for grading
// answers against expected output.
//
// The registry is process-local; sandbox state does not survive restarts.
// Query validation is deliberately pattern-based rather than parser-based
// and over-blocks on purpose, since the input is untrusted end-user SQL.
//
// Usage:
//
//	provisioner, runner, err := sandbox.NewBackend(logger, cfg, fixtures)
//	registry := sandbox.NewInMemoryRegistry(logger, cfg)
//	orch := sandbox.NewOrchestrator(logger, cfg, registry, provisioner, runner, fixtures)
//	sb, err := orch.CreateSandbox(ctx, userID, lessonID)
//	result, err := orch.ExecuteQuery(ctx, sb.ID, "SELECT * FROM employees")
package sandbox
