// Package proxy implements the authenticating registry reverse proxy (C6):
// it forwards every Distribution v2 request to the upstream registry,
// enforcing per-user folder-scoped authorization and rewriting Location
// headers across upload-session hops.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/portalcrane/portalcrane/pkg/audit"
	"github.com/portalcrane/portalcrane/pkg/auth"
	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/model"
)

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

var ociAcceptTypes = []string{
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}

// Proxy forwards /v2/* requests to an upstream Distribution registry.
type Proxy struct {
	UpstreamURL string
	AuthEnabled bool
	Timeout     time.Duration

	Resolver *auth.Resolver
	Folders  auth.FolderStore
	Audit    *audit.Sink

	client *http.Client
}

// New builds a Proxy forwarding to upstreamURL.
func New(upstreamURL string, authEnabled bool, timeout time.Duration, resolver *auth.Resolver, folders auth.FolderStore, auditSink *audit.Sink) *Proxy {
	return &Proxy{
		UpstreamURL: strings.TrimRight(upstreamURL, "/"),
		AuthEnabled: authEnabled,
		Timeout:     timeout,
		Resolver:    resolver,
		Folders:     folders,
		Audit:       auditSink,
		client:      &http.Client{Timeout: timeout, CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
	}
}

// ServeHTTP implements http.Handler for the /v2/ prefix.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v2Path := strings.TrimPrefix(r.URL.Path, "/v2/")
	v2Path = strings.TrimPrefix(v2Path, "/v2")
	v2Path = strings.TrimPrefix(v2Path, "/")

	ctx, cancel := context.WithTimeout(r.Context(), p.Timeout)
	defer cancel()

	if p.AuthEnabled {
		if resp := p.authorize(ctx, r, v2Path); resp != nil {
			p.writeError(w, resp.status, resp.detail, resp.challenge)
			return
		}
	}

	p.forward(ctx, w, r, v2Path)
}

type deniedResponse struct {
	status    int
	detail    string
	challenge string
}

func (p *Proxy) authorize(ctx context.Context, r *http.Request, v2Path string) *deniedResponse {
	header := r.Header.Get("Authorization")
	if header == "" {
		p.emitAuthz(ctx, http.StatusUnauthorized)
		return &deniedResponse{status: http.StatusUnauthorized, detail: "Authentication required", challenge: `Basic realm="portalcrane-registry"`}
	}

	principal, ok := p.Resolver.Authenticate(header)
	if !ok {
		p.emitAuthz(ctx, http.StatusUnauthorized)
		return &deniedResponse{status: http.StatusUnauthorized, detail: "Invalid credentials", challenge: `Basic realm="portalcrane-registry"`}
	}

	if principal.IsAdmin {
		p.emitAuthz(ctx, http.StatusOK)
		return nil
	}

	class := auth.ClassifyMethod(r.Method)
	imagePath := auth.ExtractImagePath(v2Path)

	allowed, reason := auth.Authorize(p.Folders, principal, imagePath, class)
	if !allowed {
		p.emitAuthz(ctx, http.StatusForbidden)
		return &deniedResponse{status: http.StatusForbidden, detail: reason}
	}

	p.emitAuthz(ctx, http.StatusOK)
	return nil
}

func (p *Proxy) emitAuthz(ctx context.Context, status int) {
	p.Audit.Emit(ctx, model.AuditEvent{
		Event:      "registry_authorize",
		Timestamp:  time.Now().UTC(),
		HTTPStatus: status,
	})
}

func filterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		out[k] = vs
	}
	return out
}

func ensureOCIAccept(method, v2Path string, headers http.Header) {
	if auth.ClassifyMethod(method) != auth.ClassPull || !strings.Contains(v2Path, "/manifests/") {
		return
	}
	existing := headers.Get("Accept")
	if existing == "" {
		headers.Set("Accept", strings.Join(ociAcceptTypes, ", "))
		return
	}
	lower := strings.ToLower(existing)
	var missing []string
	for _, t := range ociAcceptTypes {
		if !strings.Contains(lower, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		headers.Set("Accept", existing+", "+strings.Join(missing, ", "))
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, v2Path string) {
	upstreamURL := p.UpstreamURL + "/v2/" + v2Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeError(w, http.StatusBadRequest, "failed to read request body", "")
		return
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, strings.NewReader(string(body)))
	if err != nil {
		p.writeError(w, http.StatusInternalServerError, "failed to build upstream request", "")
		return
	}
	outReq.Header = filterHeaders(r.Header)
	ensureOCIAccept(r.Method, v2Path, outReq.Header)

	start := time.Now()
	resp, err := p.client.Do(outReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.writeError(w, http.StatusGatewayTimeout, "Registry request timed out", "")
			return
		}
		logger.Log(ctx, slog.LevelError, "registry unreachable", logger.Component("proxy"), logger.Err(err), slog.String("url", upstreamURL))
		p.writeError(w, http.StatusServiceUnavailable, "Registry unreachable", "")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.writeError(w, http.StatusBadGateway, "failed to read upstream response", "")
		return
	}
	elapsed := time.Since(start).Seconds()

	p.auditForward(ctx, r.Method, v2Path, clientIP(r), resp.StatusCode, int64(len(body)), int64(len(respBody)), elapsed)

	respHeaders := filterHeaders(resp.Header)
	if loc := respHeaders.Get("Location"); loc != "" {
		publicBase := publicBaseURL(r)
		rewritten := strings.Replace(loc, p.UpstreamURL, publicBase, 1)
		respHeaders.Set("Location", rewritten)
	}

	for k, vs := range respHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func (p *Proxy) auditForward(ctx context.Context, method, v2Path, ip string, status int, reqBytes, respBytes int64, elapsed float64) {
	event := "registry_pull"
	size := respBytes
	if auth.ClassifyMethod(method) == auth.ClassPush {
		event = "registry_push"
		size = reqBytes
	}
	p.Audit.Emit(ctx, model.AuditEvent{
		Event:      event,
		Timestamp:  time.Now().UTC(),
		Path:       v2Path,
		Method:     method,
		HTTPStatus: status,
		Bytes:      size,
		ElapsedS:   elapsed,
		ClientIP:   ip,
	})
}

func publicBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, detail, challenge string) {
	if challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
