// Package logging sets up structured JSON logging for searchstore with an
// optional size-rotated log file under ~/.searchstore/logs, and reads those
// files back for `searchstore logs`.
//
// Library packages never configure logging themselves; they accept a
// *slog.Logger and fall back to slog.Default().
package logging
