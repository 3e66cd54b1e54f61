// Package notifier assembles one digest per cycle and delivers it through a
// Transport with a small, fixed in-cycle retry.
//
// # Errors
//
// Transports classify failures as transient or permanent with
// model.NewTransient / model.NewPermanent. Transient failures (timeouts,
// 4xx SMTP replies) are retried up to Config.RetryMax times with a fixed
// delay; a permanent failure (authentication, bad recipient) stops at once.
// Either way Send returns a *model.DispatchError and the caller keeps the
// batch pending.
//
// # Pacing
//
// Every transport call waits on a token bucket (Config.RatePerSec), so a
// burst of alerts and digests cannot hammer the relay.
//
// Transports live in subpackages: smtp (mail relay) and telegram (bot
// message). LogTransport only logs and serves dry runs.
package notifier
