// Package httprange turns a resource and the request's Range and conditional
// headers into a response descriptor: status, headers and the byte windows
// the emitter has to write.
package httprange

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/fileguard/internal/metrics"
)

var rangeSpecRegex = regexp.MustCompile(`^(\d*)-(\d*)$`)

// MaxParts is the most windows a multipart response may carry. Requests for
// more get the full resource.
const MaxParts = 50

// Response kinds reported to metrics.
const (
	KindFull          = "full"
	KindSingle        = "single"
	KindMultipart     = "multipart"
	KindUnsatisfiable = "unsatisfiable"
	KindNotModified   = "not_modified"
)

// Resource describes the bytes being served.
type Resource struct {
	Size     int64
	MimeType string
	ModTime  time.Time
	// SHA1 gives a strong ETag when set; otherwise a weak one is derived
	// from size and modification time.
	SHA1 string
}

// ETag returns the entity tag of the resource.
func (r Resource) ETag() string {
	if r.SHA1 != "" {
		return `"` + r.SHA1 + `"`
	}
	return fmt.Sprintf(`W/"%x-%x"`, r.Size, r.ModTime.Unix())
}

// Window is one contiguous part of the body. Preamble is written before the
// payload (multipart boundary and part headers) and is empty otherwise.
type Window struct {
	Start    int64
	Length   int64
	Preamble []byte
}

// Descriptor is a negotiated response.
type Descriptor struct {
	Status        int
	Header        http.Header
	Windows       []Window
	Epilogue      []byte
	ContentLength int64
	Kind          string
}

// Negotiator builds descriptors. The zero value is not usable; use New.
type Negotiator struct {
	boundary func() string
}

// New creates a negotiator with random multipart boundaries.
func New() *Negotiator {
	return &Negotiator{boundary: func() string {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}}
}

// NewWithBoundary creates a negotiator with a fixed boundary.
func NewWithBoundary(boundary string) *Negotiator {
	return &Negotiator{boundary: func() string { return boundary }}
}

// Full returns the range-less 200 descriptor.
func Full(res Resource) *Descriptor {
	d := &Descriptor{
		Status:        http.StatusOK,
		Header:        validators(res),
		Windows:       []Window{{Start: 0, Length: res.Size}},
		ContentLength: res.Size,
		Kind:          KindFull,
	}
	d.Header.Set("Content-Type", res.MimeType)
	d.Header.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	return d
}

// Negotiate answers a GET or HEAD for res given the request headers.
// A malformed Range header is ignored.
func (n *Negotiator) Negotiate(res Resource, h http.Header) *Descriptor {
	d := n.negotiate(res, h)
	metrics.RecordRangeResponse(d.Kind)
	return d
}

func (n *Negotiator) negotiate(res Resource, h http.Header) *Descriptor {
	if notModified(res, h) {
		return &Descriptor{
			Status: http.StatusNotModified,
			Header: validators(res),
			Kind:   KindNotModified,
		}
	}

	full := func() *Descriptor {
		d := Full(res)
		d.Header.Set("Accept-Ranges", "bytes")
		return d
	}

	header := h.Get("Range")
	if header == "" || !ifRangeMatches(res, h.Get("If-Range")) {
		return full()
	}
	windows, ok := parseRange(header, res.Size)
	if !ok {
		return full()
	}
	if len(windows) == 0 {
		d := &Descriptor{
			Status: http.StatusRequestedRangeNotSatisfiable,
			Header: validators(res),
			Kind:   KindUnsatisfiable,
		}
		d.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", res.Size))
		d.Header.Set("Content-Length", "0")
		return d
	}

	var total int64
	for _, w := range windows {
		total += w.Length
	}
	// Overlapping or fragmented ranges must not amplify the response.
	if total > res.Size || len(windows) > MaxParts {
		return full()
	}

	if len(windows) == 1 {
		w := windows[0]
		if w.Start == 0 && w.Length == res.Size {
			return full()
		}
		d := &Descriptor{
			Status:        http.StatusPartialContent,
			Header:        validators(res),
			Windows:       windows,
			ContentLength: w.Length,
			Kind:          KindSingle,
		}
		d.Header.Set("Accept-Ranges", "bytes")
		d.Header.Set("Content-Type", res.MimeType)
		d.Header.Set("Content-Range", contentRange(w, res.Size))
		d.Header.Set("Content-Length", strconv.FormatInt(w.Length, 10))
		return d
	}

	return n.multipart(res, windows)
}

// multipart frames windows as multipart/byteranges. Part headers and the
// closing boundary are rendered up front so Content-Length is exact.
func (n *Negotiator) multipart(res Resource, windows []Window) *Descriptor {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(n.boundary()); err != nil {
		// Only reachable with an invalid fixed boundary.
		panic(fmt.Sprintf("httprange: %v", err))
	}

	d := &Descriptor{
		Status: http.StatusPartialContent,
		Header: validators(res),
		Kind:   KindMultipart,
	}
	for _, w := range windows {
		mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":  {res.MimeType},
			"Content-Range": {contentRange(w, res.Size)},
		})
		w.Preamble = append([]byte(nil), buf.Bytes()...)
		buf.Reset()
		d.Windows = append(d.Windows, w)
		d.ContentLength += int64(len(w.Preamble)) + w.Length
	}
	mw.Close()
	d.Epilogue = append([]byte(nil), buf.Bytes()...)
	d.ContentLength += int64(len(d.Epilogue))

	d.Header.Set("Accept-Ranges", "bytes")
	d.Header.Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	d.Header.Set("Content-Length", strconv.FormatInt(d.ContentLength, 10))
	return d
}

// parseRange parses "bytes=a-b, c-, -n" against size. ok is false when the
// header is malformed. Unsatisfiable specs are dropped; an empty result
// means nothing is satisfiable. Windows keep request order.
func parseRange(header string, size int64) ([]Window, bool) {
	const prefix = "bytes="
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, false
	}

	var windows []Window
	specs := 0
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		specs++
		m := rangeSpecRegex.FindStringSubmatch(spec)
		if m == nil || (m[1] == "" && m[2] == "") {
			return nil, false
		}
		startStr, endStr := m[1], m[2]

		if startStr == "" {
			suffix, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return nil, false
			}
			if suffix == 0 || size == 0 {
				continue
			}
			if suffix > size {
				suffix = size
			}
			windows = append(windows, Window{Start: size - suffix, Length: suffix})
			continue
		}

		start, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, false
		}
		end := size - 1
		if endStr != "" {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return nil, false
			}
			if end > size-1 {
				end = size - 1
			}
		}
		if start >= size {
			continue
		}
		windows = append(windows, Window{Start: start, Length: end - start + 1})
	}
	if specs == 0 {
		return nil, false
	}
	return windows, true
}

func contentRange(w Window, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", w.Start, w.Start+w.Length-1, size)
}

func validators(res Resource) http.Header {
	h := make(http.Header)
	h.Set("ETag", res.ETag())
	if !res.ModTime.IsZero() {
		h.Set("Last-Modified", res.ModTime.UTC().Format(http.TimeFormat))
	}
	return h
}

// notModified evaluates If-None-Match, falling back to If-Modified-Since
// when no entity tags were sent.
func notModified(res Resource, h http.Header) bool {
	if inm := h.Get("If-None-Match"); inm != "" {
		return etagListMatches(inm, res.ETag(), true)
	}
	ims := h.Get("If-Modified-Since")
	if ims == "" || res.ModTime.IsZero() {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !res.ModTime.Truncate(time.Second).After(t)
}

// ifRangeMatches reports whether a Range may be honored given If-Range.
// Entity tags are compared strongly; dates must equal Last-Modified.
func ifRangeMatches(res Resource, ifRange string) bool {
	if ifRange == "" {
		return true
	}
	if strings.HasPrefix(ifRange, `"`) || strings.HasPrefix(ifRange, "W/") {
		return etagListMatches(ifRange, res.ETag(), false)
	}
	t, err := http.ParseTime(ifRange)
	if err != nil || res.ModTime.IsZero() {
		return false
	}
	return res.ModTime.Truncate(time.Second).Equal(t)
}

func etagListMatches(list, etag string, weak bool) bool {
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" && weak {
			return true
		}
		if weak {
			if strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
				return true
			}
			continue
		}
		if !strings.HasPrefix(candidate, "W/") && !strings.HasPrefix(etag, "W/") && candidate == etag {
			return true
		}
	}
	return false
}
