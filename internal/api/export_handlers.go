package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/exporter"
	"github.com/JakeFAU/treexport/internal/remote"
)

// partialHeader reports how many folders could not be listed during a
// tabular export.
const partialHeader = "X-Export-Failed-Folders"

const (
	msgTokenFailed    = "Failed to fetch token"
	msgFilesFailed    = "Failed to fetch files"
	msgFileDownFailed = "Error handling request."
	msgBadRequest     = "No token or path"
	msgExportFailed   = "Error generating export."
	msgBundleFailed   = "Error handling folder download."
)

type pathRequest struct {
	Path string `json:"path"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// token handles POST /api/token by performing the password grant upstream.
func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	var grant remote.PasswordGrant
	if err := json.NewDecoder(r.Body).Decode(&grant); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tok, err := s.upstream.Token(r.Context(), grant)
	if err != nil {
		s.logger.Warn("token grant failed", zap.String("client_id", grant.ClientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgTokenFailed)
		return
	}
	resp := tokenResponse{AccessToken: tok.AccessToken, TokenType: tok.TokenType}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// files handles POST /api/files by relaying the remote metadata document.
func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	raw, err := s.upstream.FetchNodeRaw(r.Context(), r.Header.Get("Authorization"), req.Path)
	if err != nil {
		s.logger.Warn("fetch files failed", zap.String("path", req.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgFilesFailed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Debug("write files response failed", zap.Error(err))
	}
}

// fileDownload handles GET /api/filedown?filePath= by streaming one file.
func (s *Server) fileDownload(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("filePath")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "filePath is required")
		return
	}
	body, err := s.upstream.FetchContent(r.Context(), r.Header.Get("Authorization"), filePath)
	if err != nil {
		s.logger.Warn("file download failed", zap.String("path", filePath), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgFileDownFailed)
		return
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			s.logger.Debug("close content stream failed", zap.Error(cerr))
		}
	}()

	name := path.Base(filePath)
	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Disposition", attachment(name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("file download interrupted", zap.String("path", filePath), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

// tableDownload handles POST /api/download: the CSV metadata export.
func (s *Server) tableDownload(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if r.Body != nil {
		// An unreadable body is treated like a missing path.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.logger.Debug("decode table export request failed", zap.Error(err))
		}
	}
	table, err := s.exporter.ExportTable(r.Context(), exporter.Request{
		Root:       req.Path,
		Credential: r.Header.Get("Authorization"),
	})
	switch {
	case errors.Is(err, exporter.ErrBadRequest):
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	case r.Context().Err() != nil:
		s.logger.Debug("client left before table export finished", zap.String("path", req.Path))
		return
	case err != nil:
		s.logger.Error("table export failed", zap.String("path", req.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgExportFailed)
		return
	}

	h := w.Header()
	h.Set("Content-Type", table.ContentType)
	h.Set("Content-Disposition", attachment(table.Filename))
	if n := len(table.Failures); n > 0 {
		h.Set(partialHeader, strconv.Itoa(n))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, table.Body); err != nil {
		s.logger.Debug("write table response failed", zap.Error(err))
	}
}

// folderDownload handles GET /api/folder-download?folderPath=: the ZIP
// bundle export. Failures before the first byte get a JSON error; later ones
// abort the connection so the client never sees a complete archive.
func (s *Server) folderDownload(w http.ResponseWriter, r *http.Request) {
	folderPath := r.URL.Query().Get("folderPath")
	resp := &bundleResponse{w: w}
	_, err := s.exporter.ExportBundle(r.Context(), exporter.Request{
		Root:       folderPath,
		Credential: r.Header.Get("Authorization"),
	}, resp)
	if err == nil {
		return
	}
	if resp.started {
		s.logger.Warn("bundle aborted mid-stream", zap.String("path", folderPath), zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	switch {
	case errors.Is(err, exporter.ErrBadRequest):
		writeError(w, http.StatusBadRequest, msgBadRequest)
	case r.Context().Err() != nil:
		s.logger.Debug("client left before bundle started", zap.String("path", folderPath))
	default:
		s.logger.Warn("bundle failed before start", zap.String("path", folderPath), zap.Error(err))
		writeError(w, http.StatusBadGateway, msgBundleFailed)
	}
}

// bundleResponse adapts an http.ResponseWriter to exporter.ResponseStarter.
type bundleResponse struct {
	w       http.ResponseWriter
	started bool
}

func (b *bundleResponse) Start(filename, contentType string) {
	h := b.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", attachment(filename))
	b.w.WriteHeader(http.StatusOK)
	b.started = true
}

func (b *bundleResponse) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write bundle response: %w", err)
	}
	return n, nil
}

// Flush pushes buffered bytes to the client after every archive entry.
func (b *bundleResponse) Flush() {
	if f, ok := b.w.(http.Flusher); ok {
		f.Flush()
	}
}

func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return `attachment; filename="` + strings.ReplaceAll(filename, `"`, "_") + `"`
}

func contentTypeFor(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(strings.ToLower(ext)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
