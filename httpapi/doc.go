// Package httpapi provides the REST surface of the sandbox service.
//
// The httpapi package exposes sandbox lifecycle and query execution over
// HTTP using echo: creating a sandbox for a lesson, executing SQL in it
// (optionally graded against the lesson's expected result), inspecting its
// status, destroying it, and triggering an expiry sweep. Errors from the
// sandbox core map onto HTTP statuses; engine error text is sanitized before
// it ever reaches this layer.
package httpapi
