// Package scheduler turns the schedule policy into fires.
//
// It is trigger-only: it evaluates schedule.ShouldFireNow on a periodic
// check, on a timer armed for the next fire time, after every finished cycle
// and on wake, and hands due fires to a Target. Execution and overlap
// handling belong to the cycle engine.
package scheduler
