package api

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/agentsight/tracecollector/internal/otlp"
	"github.com/agentsight/tracecollector/internal/runs"
)

const otlpContentType = "application/x-protobuf"

// handleOTLPTraces ingests the OTLP/HTTP trace export endpoint (§4.1, §6.2):
// decode the protobuf body (gzip honored via Content-Encoding), translate
// every span to a Run (§4.2), and upsert each through the Reconciliation
// Engine, using `go.opentelemetry.io/proto/otlp` wire types directly rather
// than a hand-rolled protobuf codec.
func (s *Server) handleOTLPTraces(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type"))), otlpContentType) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusUnsupportedMediaType,
			"Unsupported Media Type", "Content-Type must be application/x-protobuf"))

		return
	}

	body, err := decodeOTLPBody(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body: "+err.Error()))

		return
	}

	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid OTLP protobuf payload"))

		return
	}

	translated := otlp.TranslateRequest(&req)

	var rejected int64

	for _, run := range translated {
		trace := runs.Trace{ID: run.ID, Create: run}

		if _, _, err := s.engine.Upsert(r.Context(), trace); err != nil {
			rejected++

			s.logger.Error("OTLP span upsert failed",
				slog.String("run_id", run.ID.String()), slog.Any("error", err))
		}
	}

	if rejected > 0 && int(rejected) == len(translated) {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to process OTLP spans"))

		return
	}

	resp := &coltracepb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: rejected,
			ErrorMessage:  "one or more spans failed to process",
		}
	}

	data, err := proto.Marshal(resp)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode OTLP response"))

		return
	}

	w.Header().Set("Content-Type", otlpContentType)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write OTLP response", slog.String("error", err.Error()))
	}
}

func decodeOTLPBody(r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)

	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()

		reader = gz
	}

	return io.ReadAll(reader)
}
