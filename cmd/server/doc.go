// Package main is the entry point for the sqldojo sandbox server.
//
// The server lets learners run arbitrary SQL against disposable, isolated
// database schemas seeded with lesson fixture data, without ever touching a
// shared database. Each sandbox gets its own schema and a scoped-privilege
// credential; queries pass a pattern-based security guard and run under a
// hard timeout.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
