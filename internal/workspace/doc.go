// Package workspace allocates exclusive per-job working directories.
//
// Each render job gets its own directory under the manager's base directory,
// named sketchrender-<identity>-<token> where token is a random UUID, so two
// jobs never share a directory even when the same requester submits twice.
// Directories are removed unconditionally when the job ends; Sweep removes
// leftovers from a previous process that did not shut down cleanly.
package workspace
