// Package server serves sample previews of a prepared split over HTTP.
package server

import (
	"bytes"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/sensorable/digitlm"
	"github.com/sensorable/digitlm/internal/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one record in the listing.
type Entry struct {
	Index int    `json:"index"`
	Image string `json:"image"`
	Split string `json:"split"`
}

// Server renders previews of records on request. Samples are built per request and not cached.
type Server struct {
	entries []Entry
	records []digitlm.Record
	builder *digitlm.SampleBuilder
	config  digitlm.ModelConfig
	quality int

	srv *fasthttp.Server
}

// New returns a server for the train records followed by the val records.
func New(train, val []digitlm.Record, builder *digitlm.SampleBuilder, quality int) *Server {
	s := &Server{
		entries: make([]Entry, 0, len(train)+len(val)),
		records: make([]digitlm.Record, 0, len(train)+len(val)),
		builder: builder,
		config:  digitlm.NewModelConfig(builder.TargetSize(), builder.Letterbox(), builder.Order()),
		quality: quality,
	}
	add := func(split string, records []digitlm.Record) {
		for _, r := range records {
			s.entries = append(s.entries, Entry{Index: len(s.records), Image: r.Image, Split: split})
			s.records = append(s.records, r)
		}
	}
	add("train", train)
	add("val", val)

	s.srv = &fasthttp.Server{
		Handler: s.Handler,
		Name:    "digitlm",
	}
	return s
}

// ListenAndServe serves HTTP requests on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	log.Info(log.Fields{"addr": addr, "records": len(s.records)}, "Serving previews")
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// Handler routes a request.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	switch string(ctx.Path()) {
	case "/records":
		s.writeJSON(ctx, s.entries)
	case "/config":
		s.writeJSON(ctx, s.config)
	case "/preview":
		s.handlePreview(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	enc, err := json.Marshal(v)
	if err != nil {
		log.Error(log.Fields{"error": err}, "Failed to encode response")
		ctx.Error("internal server error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(enc)
}

func (s *Server) handlePreview(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	idx, err := args.GetUint("i")
	if err != nil || idx >= len(s.records) {
		ctx.Error("unknown record", fasthttp.StatusNotFound)
		return
	}

	rec := s.records[idx]
	sample, ok, err := s.builder.Build(rec)
	if err != nil {
		log.Warn(log.Fields{"image": rec.Image, "error": err}, "Cannot build preview")
		ctx.Error("cannot read image", fasthttp.StatusUnprocessableEntity)
		return
	}
	if !ok {
		// The record is skipped in training as well.
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	img := digitlm.RenderPreview(sample, s.builder.Order())
	format := strings.ToLower(string(args.Peek("fmt")))
	body, contentType, err := encodePreview(img, format, s.quality)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}

	ctx.SetContentType(contentType)
	ctx.SetBody(body)
}

// encodePreview encodes img as png (the default), jpg or webp.
func encodePreview(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case "", "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	case "jpg", "jpeg":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/webp", nil
	default:
		return nil, "", errors.Errorf("unsupported preview format %q", format)
	}
}
