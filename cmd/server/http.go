package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alertapi"
	"github.com/linnemanlabs/warden/internal/authmw"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/postgres"
)

const (
	healthPath = "/-/healthy"
	readyPath  = "/-/ready"
	maxBody    = 64 << 10
)

// apiDeps is what the public listener is assembled from.
type apiDeps struct {
	logger     log.Logger
	svc        alertapi.Service
	app        *wc.Config
	mw         *httpmw.Config
	healthz    http.Handler
	readyz     http.Handler
	instrument func(http.Handler) http.Handler
}

// newAPIHandler builds the router and wraps it in the middleware chain.
// Wrappers are applied inside out: the last one applied sees the raw request
// first and the finished response last.
func newAPIHandler(d apiDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(queryStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))

	r.Method(http.MethodGet, healthPath, d.healthz)
	r.Method(http.MethodGet, readyPath, d.readyz)

	api := alertapi.New(d.logger, d.svc)
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(d.app.APIToken))
		r.Use(authmw.Actor(authmw.ActorHeader))
		api.RegisterRoutes(r)
	})

	var h http.Handler = r
	h = httpmw.WithLogger(d.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthPath && r.URL.Path != readyPath
		}),
		// renamed to the chi pattern once routing resolves
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	if d.instrument != nil {
		h = d.instrument(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: d.mw.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(d.logger, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// queryStats labels database queries with the request method and records the
// request's query totals on its span.
func queryStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.WithStats(postgres.WithHTTPMethod(req.Context(), req.Method))
		next.ServeHTTP(w, req.WithContext(ctx))

		s, ok := postgres.StatsFromContext(ctx)
		if !ok {
			return
		}
		if queries, errs, elapsed := s.Snapshot(); queries > 0 {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("db.query_count", queries),
				attribute.Int("db.error_count", errs),
				attribute.Float64("db.elapsed_seconds", elapsed.Seconds()),
			)
		}
	})
}
