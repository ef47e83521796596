// Package middleware provides composable middleware for send execution.
//
// A [Middleware] is a function that wraps a delivery handler. Middleware
// are composed into a chain using [Chain] and applied before each send
// executes. They are applied right-to-left: the first middleware in the
// slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job, queue, duration, and outcome at each send
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the delivery context after the job's timeout
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-send duration and outcome counters
//   - [Tenant] — restores the job's tenant ID into the context
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
package middleware
