package authority

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"warden/cmd/identity"
)

const tracerName = "warden/authority"

// WithTracing wraps next so every call runs in a client span.
// A nil provider uses the global one. Credentials and emails are never recorded.
func WithTracing(next Authority, tp trace.TracerProvider) Authority {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tracedAuthority{next: next, tracer: tp.Tracer(tracerName)}
}

type tracedAuthority struct {
	next   Authority
	tracer trace.Tracer
}

func (t tracedAuthority) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "authority."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("authority.op", op)),
	)
}

func finish(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	kind := KindOf(err)
	span.SetAttributes(attribute.String("authority.error_kind", kind.String()))
	// A missing session is an answer, not a fault.
	if kind == KindUnauthenticated {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
}

func (t tracedAuthority) WhoAmI(ctx context.Context) (identity.Identity, error) {
	ctx, span := t.start(ctx, OpWhoAmI)
	v, err := t.next.WhoAmI(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int64("identity.id", v.ID))
	}
	finish(span, err)
	return v, err
}

func (t tracedAuthority) Login(ctx context.Context, email, credential string) error {
	ctx, span := t.start(ctx, OpLogin)
	err := t.next.Login(ctx, email, credential)
	finish(span, err)
	return err
}

func (t tracedAuthority) Register(ctx context.Context, email, credential string) error {
	ctx, span := t.start(ctx, OpRegister)
	err := t.next.Register(ctx, email, credential)
	finish(span, err)
	return err
}

func (t tracedAuthority) Logout(ctx context.Context) error {
	ctx, span := t.start(ctx, OpLogout)
	err := t.next.Logout(ctx)
	finish(span, err)
	return err
}

func (t tracedAuthority) SendResetEmail(ctx context.Context, email string) error {
	ctx, span := t.start(ctx, OpSendResetEmail)
	err := t.next.SendResetEmail(ctx, email)
	finish(span, err)
	return err
}

func (t tracedAuthority) ResetPassword(ctx context.Context, token, credential string) error {
	ctx, span := t.start(ctx, OpResetPassword)
	err := t.next.ResetPassword(ctx, token, credential)
	finish(span, err)
	return err
}
