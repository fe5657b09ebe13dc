// Package signal implements asynchronous, level-triggered notifications.
//
// A Receiver owns a set of Contexts. Submitting to a context increments its
// pending count; a context with a nonzero count is queued at its receiver
// once, no matter how many submissions arrive before delivery. A waiter
// receives contexts in the order they became deliverable together with the
// accumulated count, which is then reset.
//
// Contexts refer to their receiver through a slot index plus generation.
// Dissolving a context bumps the generation, so a stale handle fails with
// ErrInvalidContext instead of touching recycled state.
package signal
