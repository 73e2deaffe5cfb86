// Package incremental loads deferred units one at a time while the user is
// idle.
//
// Units are named, lazily loadable features (see package unit). During
// configuration load they are declared with Enqueue; once the host has
// finished starting up it calls Start, which arms an idle timer. Each time
// the timer fires the scheduler takes the unit at the front of the queue
// and:
//
//   - skips it immediately if it is already loaded,
//   - aborts the whole queue if the user is not idle, or has not been idle
//     for at least the first-idle threshold,
//   - otherwise loads it inside Host.WhileNoInput, so a keystroke cancels
//     the load and puts the unit back at the front of the queue.
//
// A load error discards every remaining unit for the session. After each
// processed unit a plain timer is re-armed: the short Idle interval when
// idle time was observed, FirstIdle otherwise. There is never more than one
// pending timer.
//
// # Threading
//
// A Scheduler is not safe for concurrent use. Every method, and every timer
// callback, must run on the host's single loop goroutine (see package
// loop). The only cross-goroutine signal is input notification, which the
// host turns into cancellation of the context passed to Registry.Load.
//
// # Decision logic
//
// The queue transitions are computed by Advance, a pure function of the
// current queue and the outcome of one step. The Scheduler performs the side
// effects (loading, timers, events) around it.
package incremental
