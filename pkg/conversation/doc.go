// Package conversation tracks chat threads, keeps their message history and
// closes them after inactivity.
//
// Invariants:
// - A thread id maps to exactly one Session; insert-if-absent is atomic.
// - Messages are append-only and kept in the order the Manager observed them.
// - Every mutation of a Session happens under that session's lock, including
//   the close decision taken by the Sweeper and the InactivityScheduler.
// - Timer callbacks re-validate staleness before acting, so a callback that
//   loses a race with new activity never warns or closes.
//
// Usage:
//
//	mgr := conversation.NewManager(conversation.Config{Persister: p})
//	_ = mgr.Load(ctx)
//	_ = mgr.Start(ctx)
//	defer mgr.Stop(ctx)
//
//	sched := conversation.NewInactivityScheduler(mgr, notifier, conversation.SchedulerConfig{})
//	defer sched.Stop()
//
//	mgr.GetOrCreate(ctx, "telegram:42", "42", "7")
//	mgr.AddMessage(ctx, "telegram:42", "7", "hello", conversation.RoleUser)
package conversation
