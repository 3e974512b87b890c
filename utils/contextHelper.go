package utils

import (
	"context"

	"github.com/mmdatafocus/ordersync/appctx"
)

func GetRunIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyRunId)
}

func SetRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyRunId, runId)
}

func GetStreamFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyStream)
}

func SetStreamInContext(ctx context.Context, stream string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyStream, stream)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}
