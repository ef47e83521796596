// Package delivery defines the delivery backend contract: the Sender
// interface the worker pool hands claimed jobs to, and the error
// classification that drives retry behaviour.
//
// A delivery error is either transient (timeouts, throttling, provider
// 5xx — retry with backoff) or permanent (invalid recipient, rejected
// content, suppressed address — fail immediately, no retries). The
// executor consults [Classify] on every send error; unclassified errors
// default to transient so that unknown failures are retried rather than
// dropped.
//
// [HTTPSender] is the production backend: a REST client for an SES-like
// provider API. Tests use small in-package fakes instead.
package delivery
