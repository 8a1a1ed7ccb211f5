// Package job is the composition root of a BI tool run.
//
// A Job owns one workspace under the data path and wires the pieces a tool
// needs around it:
//   - workspace directories tmp_<id>, result_<id> and output_<id>, reset on start
//   - the rotating debug log in the result directory and the output log in the
//     output directory, whose first line points at the debug log
//   - dependency checks and latest-partition lookups over a warehouse.Client
//   - packaging of the output directory into bitool_result_<id>.tar.gz
//
// Lifecycle:
//
//	Constructed -> WorkspaceReady -> Running -> OutputProduced -> Closed
//	            \-> Degraded ------/
//
// New never fails outright. When the workspace or the debug log cannot be set
// up the job is Degraded and Startup carries the reason; the tool still runs.
//
// Run drives a Tool through Pipeline, Clear and Close. Errors are written to
// the output log as "error: <message>" before Run returns them.
package job
