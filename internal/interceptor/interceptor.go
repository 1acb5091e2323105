package interceptor

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileguard/internal/catalog"
	"github.com/fruitsalade/fileguard/internal/httprange"
	"github.com/fruitsalade/fileguard/internal/logging"
	"github.com/fruitsalade/fileguard/internal/storage"
	"github.com/fruitsalade/fileguard/internal/stream"
)

// sniffLen is how much of a file is read to detect its mime type.
const sniffLen = 3072

// Interceptor serves managed files and passes everything else on.
type Interceptor struct {
	gate       *Gate
	negotiator *httprange.Negotiator
	emitter    *stream.Emitter
}

// NewSimple creates an interceptor that always answers with the full file.
func NewSimple(g *Gate) *Interceptor {
	return &Interceptor{gate: g, emitter: stream.NewEmitter()}
}

// NewRanged creates an interceptor honoring Range and conditional headers.
func NewRanged(g *Gate, n *httprange.Negotiator) *Interceptor {
	return &Interceptor{gate: g, negotiator: n, emitter: stream.NewEmitter()}
}

// Handler wraps next, which receives every request outside the managed prefix.
func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adm, managed := i.gate.admit(w, r)
		if !managed {
			next.ServeHTTP(w, r)
			return
		}
		if adm != nil {
			i.serve(w, r, adm)
		}
	})
}

func (i *Interceptor) serve(w http.ResponseWriter, r *http.Request, adm *admission) {
	ctx := r.Context()
	log := logging.WithContext(ctx).With(zap.String("identifier", adm.file.Identifier))

	res := httprange.Resource{
		Size:     adm.file.Size,
		MimeType: contentType(r, adm.file, adm.backend),
		ModTime:  adm.file.ModTime,
		SHA1:     adm.file.SHA1,
	}

	var d *httprange.Descriptor
	if i.negotiator != nil {
		d = i.negotiator.Negotiate(res, r.Header)
	} else {
		d = httprange.Full(res)
	}

	var body *stream.Body
	if r.Method != http.MethodHead && d.ContentLength > 0 {
		var err error
		body, err = i.emitter.Open(ctx, adm.backend, adm.file.Key(), d)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("catalog file missing from storage", zap.Error(err))
			sendError(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			log.Error("failed to open file", zap.Error(err))
			sendError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		defer body.Close()
	}

	h := w.Header()
	for k, v := range d.Header {
		h[k] = v
	}
	setCacheHeaders(h, adm.decision.MaxAge)
	h.Set("X-Fileguard", "1")
	w.WriteHeader(d.Status)

	if body == nil {
		return
	}
	if _, err := body.WriteTo(w); err != nil {
		if stream.IsClientGone(err) {
			log.Debug("client went away during transfer", zap.Error(err))
		} else {
			log.Error("content transfer error", zap.Error(err))
		}
		// Headers are already sent.
		panic(http.ErrAbortHandler)
	}
}

// contentType picks the catalog mime type, then the extension, then the
// sniffed content type.
func contentType(r *http.Request, f *catalog.File, b storage.Backend) string {
	if f.MimeType != "" {
		return f.MimeType
	}
	if ct := mime.TypeByExtension(path.Ext(f.Identifier)); ct != "" {
		return ct
	}
	if f.Size == 0 {
		return "application/octet-stream"
	}

	length := int64(sniffLen)
	if f.Size < length {
		length = f.Size
	}
	rc, _, err := b.GetObject(r.Context(), f.Key(), 0, length)
	if err != nil {
		return "application/octet-stream"
	}
	defer rc.Close()
	mt, err := mimetype.DetectReader(io.LimitReader(rc, length))
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
