// Package service drives jobs from submission to a terminal state.
//
// JobRunner owns a bounded pool of workers fed by an admission queue. A
// submitted job is registered as queued and waits in the queue until a
// worker is free. The worker then:
//
//   - moves the job to processing
//   - prepares the job's staging tree and copies the uploads into it
//   - runs the detection and synthesis stages through pipeline.Pipeline
//   - collects the artifacts into the job's results directory
//   - records completed or error in the registry
//
// Data flow:
//
//	Submit --> queue --> Do (dispatcher) --> worker: run(job)
//	                                           |
//	                                           | pipeline.Run --> Runner{cmd}
//	                                           |<--- lines ------|
//	                                           v
//	                                   logchan.Channel --> log stream
//
// Cancel moves a processing job to cancelled and cancels its context, which
// sends SIGTERM to the stage's process group and SIGKILL after the grace
// period. Every job has its own context, so no process table scanning is
// involved and parallel jobs with the same variant are told apart.
//
// Invariants:
//   - Terminal states are sinks, all transitions are compare and swap in
//     the registry.
//   - Results are recorded only for completed jobs.
//   - After cancellation the job emits no lines except its final one.
//   - A job never touches the staging tree of another job.
//
// Finished jobs are evicted by the retention sweeper which runs on a gocron
// schedule inside Do.
package service
