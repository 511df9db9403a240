package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/infra"
)

// UploadField is the multipart form field carrying the uploaded file.
const UploadField = "file"

var errBadRequest = errors.New("bad request")

func (s *Server) handleDataTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infra.DataTypes())
}

func (s *Server) handleGetInput(w http.ResponseWriter, r *http.Request) {
	in, err := s.inputs.GetInput(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in.Data)
}

func (s *Server) handleDeleteInput(w http.ResponseWriter, r *http.Request) {
	if err := s.inputs.DeleteInput(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpload parses a multipart upload of type dt and stores the
// resulting InputData.
func (s *Server) handleUpload(dt infra.DataType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

		file, header, err := r.FormFile(UploadField)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: multipart field %q: %v", errBadRequest, UploadField, err))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: reading upload: %v", errBadRequest, err))
			return
		}

		in, err := infra.Parse(dt, data)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		id, err := s.inputs.SaveInput(r.Context(), dt, *in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		s.logger.Info("Stored infrastructure input",
			zap.String("id", id),
			zap.String("type", string(dt)),
			zap.String("filename", header.Filename),
			zap.Int("bytes", len(data)),
		)
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	in, err := s.inputs.GetInput(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.analyzer.Analyze(r.Context(), in.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
