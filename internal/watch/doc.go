// Package watch defines the core types and contracts shared by the watch
// pipeline: targets, captures, analysis results, the kind descriptor that
// parameterizes one pipeline implementation for every watch-kind, and the
// typed errors each stage reports.
package watch
