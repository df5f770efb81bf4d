// Package reliability provides the backoff policies used when talking to the
// broker fails transiently.
//
// Policies implement Backoff and are driven by Retry:
//
//	err := reliability.Retry(ctx, "connect",
//	    reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, -1),
//	    func(ctx context.Context) error {
//	        return manager.Connect(ctx)
//	    })
//
// Errors wrapped with Permanent stop the retry loop immediately.
package reliability
