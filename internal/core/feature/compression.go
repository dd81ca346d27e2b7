package feature

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/core/message"
	"github.com/gatewire/gatewire/internal/core/observability/log"
	"github.com/gatewire/gatewire/internal/core/pipeline"
	"github.com/gatewire/gatewire/internal/core/profile"
)

// defaultCompressMin skips compression for payloads that would not gain from
// it. Overridable per spec.
const defaultCompressMin = 256

// maxDecompressed bounds how far a compressed frame may expand.
const maxDecompressed = profile.MaxLengthFrame

// compression wraps the profile's framer so payloads are gzipped after
// framing decisions and gunzipped before the codec sees them. Inbound frames
// are sniffed by magic number, so a peer without compression still works.
type compression struct {
	env pipeline.Env
}

// NewCompression builds the gzip payload compression feature.
func NewCompression(env pipeline.Env) pipeline.Feature { return &compression{env: env} }

func (f *compression) Name() string { return "compression" }
func (f *compression) Order() int   { return OrderCompression }

func (f *compression) Enabled(spec pipeline.Spec) bool {
	s := spec.FeatureSet().Compression
	return s != nil && s.Enabled
}

func (f *compression) Configure(p *pipeline.Pipeline, spec pipeline.Spec) error {
	inner := p.Framer()
	if inner == nil {
		f.env.Log.Debug("compression skipped, profile carries no framer",
			log.String("profile", spec.Profile))
		return nil
	}
	s := spec.FeatureSet().Compression
	min := s.MinSize
	if min <= 0 {
		min = defaultCompressMin
	}
	level := s.Level
	if level < gzip.HuffmanOnly || level > gzip.BestCompression || level == 0 {
		level = gzip.DefaultCompression
	}
	p.SetFramer(&gzipFramer{inner: inner, level: level, min: min})
	return nil
}

type gzipFramer struct {
	inner pipeline.Framer
	level int
	min   int
}

func (g *gzipFramer) ReadFrame(r *bufio.Reader) (*message.Buffer, error) {
	buf, err := g.inner.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	data := buf.Bytes()
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return buf, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		buf.Release()
		return nil, errors.Wrap(err, "gzip header")
	}
	plain, err := io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
	closeErr := zr.Close()
	if err != nil {
		buf.Release()
		return nil, errors.Wrap(err, "gunzip frame")
	}
	if closeErr != nil {
		buf.Release()
		return nil, errors.Wrap(closeErr, "gunzip frame")
	}
	if len(plain) > maxDecompressed {
		buf.Release()
		return nil, errors.Wrapf(profile.ErrFrameTooLarge, "decompressed past %d bytes", maxDecompressed)
	}
	out := message.GetBuffer(len(plain))
	copy(out.Bytes(), plain)
	buf.Release()
	return out, nil
}

func (g *gzipFramer) EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) < g.min {
		return g.inner.EncodeFrame(payload)
	}
	var zbuf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&zbuf, g.level)
	if err != nil {
		return nil, errors.Wrap(err, "gzip writer")
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, errors.Wrap(err, "gzip frame")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip frame")
	}
	if zbuf.Len() >= len(payload) {
		return g.inner.EncodeFrame(payload)
	}
	return g.inner.EncodeFrame(zbuf.Bytes())
}
