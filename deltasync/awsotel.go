package deltasync

import (
	"context"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AWSMiddlewares wraps every AWS SDK call in a client span and propagates the
// trace context in request headers.
type AWSMiddlewares struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func NewAWSMiddlewares() *AWSMiddlewares {
	return &AWSMiddlewares{
		tracer:     otel.GetTracerProvider().Tracer(scopeName + "/aws"),
		propagator: otel.GetTextMapPropagator(),
	}
}

func (m *AWSMiddlewares) Append(apiOptions *[]func(*middleware.Stack) error) {
	*apiOptions = append(*apiOptions, m.initialize, m.finalize, m.deserialize)
}

func (m *AWSMiddlewares) initialize(stack *middleware.Stack) error {
	return stack.Initialize.Add(middleware.InitializeMiddlewareFunc("UltrasyncOTelInitialize", func(
		ctx context.Context, in middleware.InitializeInput, next middleware.InitializeHandler) (
		out middleware.InitializeOutput, metadata middleware.Metadata, err error,
	) {
		service := awsmiddleware.GetServiceID(ctx)
		operation := awsmiddleware.GetOperationName(ctx)
		name := service
		if operation != "" {
			name += "." + operation
		}

		ctx, span := m.tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("rpc.system", "aws-api"),
				attribute.String("rpc.service", service),
				attribute.String("rpc.method", operation),
				attribute.String("cloud.region", awsmiddleware.GetRegion(ctx)),
			),
		)
		defer span.End()

		out, metadata, err = next.HandleInitialize(ctx, in)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, metadata, err
	}), middleware.After)
}

func (m *AWSMiddlewares) finalize(stack *middleware.Stack) error {
	return stack.Finalize.Add(middleware.FinalizeMiddlewareFunc("UltrasyncOTelFinalize", func(
		ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (
		out middleware.FinalizeOutput, metadata middleware.Metadata, err error,
	) {
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			m.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
		}
		return next.HandleFinalize(ctx, in)
	}), middleware.After)
}

func (m *AWSMiddlewares) deserialize(stack *middleware.Stack) error {
	return stack.Deserialize.Add(middleware.DeserializeMiddlewareFunc("UltrasyncOTelDeserialize", func(
		ctx context.Context, in middleware.DeserializeInput, next middleware.DeserializeHandler) (
		out middleware.DeserializeOutput, metadata middleware.Metadata, err error,
	) {
		out, metadata, err = next.HandleDeserialize(ctx, in)
		resp, ok := out.RawResponse.(*smithyhttp.Response)
		if !ok {
			return out, metadata, err
		}
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if requestID, ok := awsmiddleware.GetRequestIDMetadata(metadata); ok {
			span.SetAttributes(attribute.String("aws.request_id", requestID))
		}
		return out, metadata, err
	}), middleware.Before)
}
