// Package scheduler registers named schedules and turns their firings into
// task engine work.
//
// Schedules are cron expressions (including "|" lists), fixed intervals or
// one-shot times. All of them ride the same timing wheel: when a schedule
// fires, the job is enqueued into the engine without blocking and the next
// fire time is computed from the one just used.
package scheduler
