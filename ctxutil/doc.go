// Package ctxutil provides helpers for request-scoped values carried in a
// context.Context, with transparent support for *gin.Context.
//
// Trace ids are the main use:
//
//	ctx, traceID := ctxutil.EnsureTraceID(ctx)
//	log.Info(ctx, "Job submitted", "trace_id", traceID)
package ctxutil
