// https://github.com/fieldcore/envlogger
//
// Copyright (c) The envlogger Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pipeline

import (
	"context"

	"github.com/fieldcore/envlogger/kernel"
)

// Supervisor starts the Producer task from the main task whenever
// Subscribers transitions away from zero, resolving §9 open question (i)
// the source's own way: rather than letting a child task start another
// task (which kernel.Scheduler.Start forbids), the main task polls the
// subscriber count once per pass and starts the producer itself. This
// must be driven from the main task's own cooperative loop (e.g. once
// per Console.Poll pass), never from inside a child task.
type Supervisor struct {
	sched    *kernel.Scheduler
	subs     *Subscribers
	producer *Producer

	task *kernel.Task
}

// NewSupervisor builds a Supervisor that starts producer under sched
// whenever subs reports at least one subscriber and no producer task is
// currently running.
func NewSupervisor(sched *kernel.Scheduler, subs *Subscribers, producer *Producer) *Supervisor {
	return &Supervisor{sched: sched, subs: subs, producer: producer}
}

// Poll starts the producer task if Subscribers reports demand and none is
// already running. Call it once per main-task pass; called from within a
// child task it panics whenever it would start the producer, since
// kernel.Scheduler.Start panics when a child is current.
func (sv *Supervisor) Poll(ctx context.Context) {
	if sv.subs.Count() == 0 {
		return
	}
	if sv.task != nil && sv.sched.IsRunning(sv.task) {
		return
	}
	sv.task = sv.sched.Start("sample", func() { sv.producer.Run(ctx) })
}

// Running reports whether the producer task is currently in the runlist,
// for the console's "tasks" diagnostic.
func (sv *Supervisor) Running() bool {
	return sv.task != nil && sv.sched.IsRunning(sv.task)
}
