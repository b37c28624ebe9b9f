package audit

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"corefacility/internal/entity"
	"corefacility/pkg/domain"
)

// MaxBodySize caps the request and response bodies copied into a log.
const MaxBodySize = 64 << 10

type contextKey struct{}

// WithLog attaches l to ctx.
func WithLog(ctx context.Context, l *Log) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the log of the current request.
func FromContext(ctx context.Context) (*Log, error) {
	l, ok := ctx.Value(contextKey{}).(*Log)
	if !ok || l == nil {
		return nil, domain.NoLogError{}
	}
	return l, nil
}

// Middleware opens a log for every request it wraps and finalizes it once
// the handler returns.
type Middleware struct {
	sessions func() *entity.Session
	node     *snowflake.Node
	debug    bool
	logger   *zap.Logger
}

// NewMiddleware returns the audit middleware. sessions supplies a fresh
// session per request. Outside debug mode GET and HEAD requests are not
// logged.
func NewMiddleware(sessions func() *entity.Session, node *snowflake.Node, debug bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{sessions: sessions, node: node, debug: debug, logger: logger}
}

// NewNode returns the snowflake node generating request identifiers.
func NewNode(id int64) (*snowflake.Node, error) {
	return snowflake.NewNode(id)
}

// Handler is the chi-compatible middleware function.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.debug && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := peekBody(r)
		if err != nil {
			http.Error(w, "could not read request body", http.StatusBadRequest)
			return
		}
		l := NewLog(Request{
			ID:      m.node.Generate().Int64(),
			Address: r.URL.RequestURI(),
			Method:  r.Method,
			Body:    body,
			IP:      clientIP(r),
		})
		s := m.sessions()
		if err := l.Create(r.Context(), s); err != nil {
			m.logger.Error("could not open audit log", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		lw := &capturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			ctx := context.WithoutCancel(r.Context())
			if err := l.Finalize(ctx, s, lw.status, lw.body.String()); err != nil {
				m.logger.Error("could not finalize audit log", zap.Int64("log_id", l.ID()), zap.Error(err))
			}
		}()
		next.ServeHTTP(lw, r.WithContext(WithLog(r.Context(), l)))
	})
}

// peekBody copies at most MaxBodySize bytes of the body and leaves the full
// body readable for the handler.
func peekBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return "", err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return string(head), nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// capturingResponseWriter records the status code and the head of the body.
type capturingResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *capturingResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	if room := MaxBodySize - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *capturingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
