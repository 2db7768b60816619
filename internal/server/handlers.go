package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"projcast/internal/broadcast"
	"projcast/internal/ingress"
	"projcast/internal/projection"
	"projcast/pkg/logx"
)

const maxBodyBytes = 64 << 10

func (s *Service) buildHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projection", s.handlePublish)
	mux.HandleFunc("POST /{$}", s.handlePublish)
	mux.HandleFunc("GET /projection", s.handleCurrent)
	mux.HandleFunc("GET /data", s.handleLegacyData)
	mux.HandleFunc("GET /events", s.handleEvents(cfg.WriteTimeout))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	if cfg.Pprof.Enabled {
		mountPprof(mux, cfg.Pprof.Prefix, cfg.Pprof.Token)
	}
	return withNoCache(mux)
}

// withNoCache sets the headers every response carries: never cached,
// embeddable in any frame.
func withNoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "ALLOW-FROM *")
		h.Set("Content-Security-Policy", "frame-ancestors *")
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req, isJSON, err := decodePublish(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Source = "http"

	snap, err := s.deps.Ingress.Submit(r.Context(), req)
	switch {
	case errors.Is(err, ingress.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, ingress.ErrInvalidInput), errors.Is(err, projection.ErrInvalidProjection):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("publish failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !isJSON {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

type publishBody struct {
	StartValue *float64 `json:"start_value"`
	Revenue    *float64 `json:"revenue"`
	GrowthRate *float64 `json:"growth_rate"`
}

// decodePublish reads start_value (or revenue) and growth_rate from a JSON
// body or a form.
func decodePublish(r *http.Request) (ingress.Request, bool, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var b publishBody
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
			return ingress.Request{}, true, fmt.Errorf("invalid JSON body: %w", err)
		}
		start := b.StartValue
		if start == nil {
			start = b.Revenue
		}
		if start == nil || b.GrowthRate == nil {
			return ingress.Request{}, true, errors.New("start_value and growth_rate are required")
		}
		return ingress.Request{StartValue: *start, GrowthPercent: *b.GrowthRate}, true, nil
	}

	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return ingress.Request{}, false, fmt.Errorf("invalid form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return ingress.Request{}, false, fmt.Errorf("invalid form: %w", err)
	}
	rawStart := r.PostFormValue("start_value")
	if rawStart == "" {
		rawStart = r.PostFormValue("revenue")
	}
	start, err := formFloat("start_value", rawStart)
	if err != nil {
		return ingress.Request{}, false, err
	}
	growth, err := formFloat("growth_rate", r.PostFormValue("growth_rate"))
	if err != nil {
		return ingress.Request{}, false, err
	}
	return ingress.Request{StartValue: start, GrowthPercent: growth}, false, nil
}

func formFloat(name, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: not a number: %q", name, raw)
	}
	return v, nil
}

func (s *Service) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	writeSnapshot(w, http.StatusOK, s.deps.Hub.Current())
}

// handleLegacyData serves {"months":[...],"revenues":[...]|null}.
func (s *Service) handleLegacyData(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Hub.Current()
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("months")
	months := jw.Array()
	for _, m := range projection.Months {
		jw.String(m)
	}
	months.End()
	obj.Name("revenues")
	if snap.Set {
		vals := jw.Array()
		for _, v := range snap.Values {
			jw.Float64(projection.Round2(v))
		}
		vals.End()
	} else {
		jw.Null()
	}
	obj.End()
	writeRaw(w, http.StatusOK, jw.Bytes())
}

func (s *Service) handleEvents(writeTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts broadcast.SessionOptions
		if mode := r.URL.Query().Get("mode"); mode != "" {
			d, err := broadcast.ParseDiscipline(mode)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			opts.Discipline = d
		}
		opts.Label = "sse " + r.RemoteAddr

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sink := newSSESink(w, writeTimeout)
		err := s.deps.Hub.Serve(r.Context(), sink, opts)
		if err != nil {
			s.log.Debug("sse session closed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		}
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"hub":      s.deps.Hub.Stats(),
		"sessions": s.deps.Hub.Sessions(),
	}
	if s.deps.Stats != nil {
		for k, v := range s.deps.Stats() {
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, b)
}

func writeSnapshot(w http.ResponseWriter, status int, snap projection.Snapshot) {
	b, err := projection.MarshalSnapshot(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, status, b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("error").String(msg)
	obj.End()
	writeRaw(w, status, jw.Bytes())
}

func writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
