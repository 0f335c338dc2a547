/*
Package process wraps the OS process that runs the instrumentation tool.

A Handle owns at most one live process. Listeners, the working directory and the environment are
configured before Start, so that an early exit is never missed. ForceStop is the only way the
session ends the process; it kills the whole process tree, waits for the exit to be delivered,
and is a no-op on a handle that was never started or has already exited.

CrashMonitor is a Listener that treats every exit not caused by ForceStop as a crash.
*/
package process
