// Package stream writes negotiated byte windows from a storage backend to a
// client without buffering whole files.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fruitsalade/fileguard/internal/httprange"
	"github.com/fruitsalade/fileguard/internal/metrics"
)

const bufferSize = 32 << 10 // 32KB

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

// Source reads object bytes. storage.Backend satisfies it.
type Source interface {
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)
}

// Emitter streams descriptors.
type Emitter struct{}

// NewEmitter creates an emitter.
func NewEmitter() *Emitter { return &Emitter{} }

// Emit writes the body of d to w. It is Open followed by WriteTo.
func (e *Emitter) Emit(ctx context.Context, w io.Writer, src Source, key string, d *httprange.Descriptor) (int64, error) {
	body, err := e.Open(ctx, src, key, d)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return body.WriteTo(w)
}

// Open acquires the first window's reader so that a missing or unreachable
// object is reported before any response byte is written.
func (e *Emitter) Open(ctx context.Context, src Source, key string, d *httprange.Descriptor) (*Body, error) {
	b := &Body{ctx: ctx, src: src, key: key, d: d}
	if len(d.Windows) > 0 && d.Windows[0].Length > 0 {
		rc, err := b.open(d.Windows[0])
		if err != nil {
			return nil, err
		}
		b.first = rc
	}
	return b, nil
}

// Body is an opened descriptor body. It must be closed.
type Body struct {
	ctx   context.Context
	src   Source
	key   string
	d     *httprange.Descriptor
	first io.ReadCloser
}

// WriteTo writes preambles, payloads and the epilogue in descriptor order.
// Payload bytes are counted; framing bytes are not. Any error is terminal.
func (b *Body) WriteTo(w io.Writer) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	// Hide io.ReaderFrom so the pooled buffer and context checks are used.
	dst := struct{ io.Writer }{w}

	var served int64
	for i, win := range b.d.Windows {
		if len(win.Preamble) > 0 {
			if _, err := dst.Write(win.Preamble); err != nil {
				return b.done(served, err)
			}
		}
		if win.Length == 0 {
			continue
		}

		var rc io.ReadCloser
		if i == 0 && b.first != nil {
			rc, b.first = b.first, nil
		} else {
			var err error
			if rc, err = b.open(win); err != nil {
				return b.done(served, err)
			}
		}

		n, err := io.CopyBuffer(dst, &ctxReader{ctx: b.ctx, r: rc}, *bufp)
		rc.Close()
		served += n
		if err == nil && n != win.Length {
			err = fmt.Errorf("window %d-%d: %w", win.Start, win.Start+win.Length-1, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return b.done(served, err)
		}
	}

	if len(b.d.Epilogue) > 0 {
		if _, err := dst.Write(b.d.Epilogue); err != nil {
			return b.done(served, err)
		}
	}
	return b.done(served, nil)
}

// Close releases a reader that was opened but never written.
func (b *Body) Close() error {
	if b.first == nil {
		return nil
	}
	err := b.first.Close()
	b.first = nil
	return err
}

func (b *Body) open(win httprange.Window) (io.ReadCloser, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	rc, _, err := b.src.GetObject(b.ctx, b.key, win.Start, win.Length)
	if err != nil {
		return nil, fmt.Errorf("open %s at %d: %w", b.key, win.Start, err)
	}
	return rc, nil
}

func (b *Body) done(served int64, err error) (int64, error) {
	metrics.RecordContentServed(served, err == nil)
	return served, err
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// IsClientGone reports whether err came from the client going away rather
// than from storage.
func IsClientGone(err error) bool {
	return errors.Is(err, context.Canceled)
}
