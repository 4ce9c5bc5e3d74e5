// Package fate implements a Fault-tolerant Asynchronous Transaction Executor.
//
// FATE drives multi-step administrative operations (create/delete/merge table,
// bulk imports, and the like) through a chain of idempotent steps stored in a
// pluggable durable store, with automatic resumption after a crash,
// cancellation before a transaction is claimed, reverse-order compensation on
// failure, and per-transaction deferral scheduling.
//
// Overview
//
// 1. Implement Repo[T] for each step your transaction can be in. T is your
//    embedding system's environment type, passed to every step invocation.
// 2. Register each step's decode function in a StepRegistry[T] so the store
//    can reconstruct pushed steps after a restart.
// 3. Construct a Store[T] (store/memory for tests, store/file for anything
//    that must survive a process restart).
// 4. Create a Fate[T] with New, start it, and drive transactions through
//    StartTransaction / SeedTransaction / Cancel / WaitForCompletion / Delete.
//
// FATE never inspects what a step does; it only drives the step stack to
// empty (success) or fully compensates it (failure).
package fate
