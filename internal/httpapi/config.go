package httpapi

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBodyBytes caps JSON request bodies. Default 1 MiB; submit payloads carry
// base64 images so deployments usually raise it.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes configures the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// submitLimiter throttles POST /jobs and POST /generate. nil disables it.
var submitLimiter *rate.Limiter

// SetSubmitRateLimit sets the sustained submit rate per second and burst.
// rps <= 0 disables limiting.
func SetSubmitRateLimit(rps float64, burst int) {
	if rps <= 0 {
		submitLimiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	submitLimiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// serverBaseCtx is cancelled on shutdown so long-lived handlers (event
// streams, waits, interactive generation) end with the process.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context that is canceled when either a or b is done.
// The returned cancel func must be called to release the goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
