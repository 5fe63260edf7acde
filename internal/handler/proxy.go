package handler

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"request-governor/internal/service"
	"request-governor/internal/upstream"
)

type targetKey struct{}

// ProxyHandler forwards /proxy/{endpoint}/* to the endpoint's URL through
// the governed transport. Upstream responses are relayed unchanged; calls
// the governor refuses are answered with 429 or 503.
type ProxyHandler struct {
	registry *service.Registry
	proxy    *httputil.ReverseProxy
	log      zerolog.Logger
}

func NewProxyHandler(registry *service.Registry, transport http.RoundTripper, log zerolog.Logger) *ProxyHandler {
	p := &ProxyHandler{registry: registry, log: log}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := pr.In.Context().Value(targetKey{}).(*url.URL)
			pr.Out.URL = target
			pr.Out.Host = ""
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeError(w, p.log, err)
		},
	}
	return p
}

func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "endpoint")
	ep, err := p.registry.Get(id)
	if err != nil {
		writeError(w, p.log, err)
		return
	}
	if ep.URL == "" {
		writeError(w, p.log, service.ErrInvalidEndpoint)
		return
	}

	base, err := url.Parse(ep.URL)
	if err != nil {
		writeError(w, p.log, service.ErrInvalidEndpoint)
		return
	}
	target := base.JoinPath(chi.URLParam(r, "*"))
	target.RawQuery = r.URL.RawQuery

	ctx := upstream.WithEndpoint(r.Context(), id)
	ctx = context.WithValue(ctx, targetKey{}, target)
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}
