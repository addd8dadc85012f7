// Package lifecycle orchestrates access requests: it validates submissions,
// asks the policy engine for a verdict, issues secrets and moves requests
// through the state machine
//
//	PENDING_APPROVAL → APPROVED | DENIED
//	APPROVED         → EXPIRED
//
// Every mutation goes through a conditional store transition paired with
// its audit entries. Reads apply lazy expiry: an APPROVED request whose
// secret has lapsed is presented as EXPIRED without a secret, whether or
// not the stored row has been rewritten.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/issuer"
	"github.com/sentinel-sh/sentinel/internal/policy"
	"github.com/sentinel-sh/sentinel/internal/store"
)

const tracerName = "github.com/sentinel-sh/sentinel/internal/lifecycle"

// Recorder receives lifecycle counters. internal/metrics implements it.
type Recorder interface {
	Submitted(status access.Status)
	Decided(op string, status access.Status)
	Conflict(op string)
	IssuanceFailed()
	PolicyFailed()
	Expired(n int)
}

// Notifier is told about committed state changes. Implementations must not
// block.
type Notifier interface {
	Notify(ev Event)
}

// Event names a committed state change.
type Event struct {
	Name    string
	Request access.Request
	Actor   string
	At      time.Time
}

// Event names delivered to notifiers.
const (
	EventPending  = "request.pending"
	EventApproved = "request.approved"
	EventDenied   = "request.denied"
	EventRevoked  = "request.revoked"
	EventExpired  = "request.expired"
)

// Engine is the access-request lifecycle engine.
type Engine struct {
	store     store.Store
	policy    policy.Engine
	issuer    issuer.Issuer
	maxTTL    int64
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
	recorder  Recorder
	notifiers []Notifier
	tracer    trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps and liveness checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithNotifier adds a notifier. May be given more than once.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// New builds an engine. maxTTLSeconds caps issued secret lifetimes; longer
// requests are clamped.
func New(st store.Store, pol policy.Engine, iss issuer.Issuer, maxTTLSeconds int64, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		policy:   pol,
		issuer:   iss,
		maxTTL:   maxTTLSeconds,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MaxTTLSeconds returns the configured ttl ceiling.
func (e *Engine) MaxTTLSeconds() int64 { return e.maxTTL }

func (e *Engine) clock() time.Time { return e.now().UTC() }

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
}

// fail records err on the span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", string(access.KindOf(err))))
	return err
}

func (e *Engine) notify(name string, req access.Request, actor string, at time.Time) {
	ev := Event{Name: name, Request: req, Actor: actor, At: at}
	for _, n := range e.notifiers {
		n.Notify(ev)
	}
}

// storeError translates store failures into typed lifecycle errors.
func storeError(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &access.Error{Kind: access.KindNotFound, Op: op, ID: id}
	}
	return &access.Error{Kind: access.KindInternal, Op: op, ID: id, Msg: "store failure", Err: err}
}

type nopRecorder struct{}

func (nopRecorder) Submitted(access.Status)       {}
func (nopRecorder) Decided(string, access.Status) {}
func (nopRecorder) Conflict(string)               {}
func (nopRecorder) IssuanceFailed()               {}
func (nopRecorder) PolicyFailed()                 {}
func (nopRecorder) Expired(int)                   {}
