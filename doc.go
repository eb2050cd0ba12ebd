// Package kevent implements kqueue style event notification, with
// priority-aware servicer scheduling.
//
// # Registrations
//
// Interest in a condition is registered against a queue as a [Kevent],
// identified by (Filter, Ident), plus Udata with [FlagUdataSpecific]. The
// supported filters are [FilterRead] and [FilterWrite] (pipes, nested
// queues, and OS descriptors), [FilterVnode] (watched paths),
// [FilterProc] (a [ProcessTable]), [FilterTimer], [FilterUser], and
// [FilterWorkloop]. Each detected condition is delivered once, then the
// registration is re-armed, disabled ([FlagDispatch]), or deleted
// ([FlagOneshot]), per its flags.
//
// # Queues
//
// A [Proc] owns three kinds of queue:
//   - [Kqueue]: a single consumer queue, drained by [Kqueue.Scan] or
//     [Kqueue.Process], and itself observable as a descriptor.
//   - [WorkQueue]: the pooled queue, bucketed by [QoS], with each bucket
//     serviced by its own pool thread.
//   - [Workloop]: identified by a 64-bit ID, serviced by at most one thread
//     at a time, with an optional owner thread that receives its priority
//     push.
//
// Events of the pooled queue and of workloops are delivered to the
// [EventHandler] of the Proc, on servicer threads obtained through a
// [Scheduler] (by default a [WorkerPool]).
//
// # Threads
//
// A [Thread] is the identity of a goroutine, attached to a context with
// [WithThread]. Blocking operations (registration lock contention, scans,
// workloop sync waits) push the priority of the blocked thread onto the
// thread it waits for.
//
// # Errors
//
// Errors are [syscall.Errno] values, e.g. [ENOENT] or [EINPROGRESS],
// matched using [errors.Is], and reported as the Data of [FlagError]
// events.
package kevent
