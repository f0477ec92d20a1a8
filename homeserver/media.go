package homeserver

import (
	"errors"
	"fmt"
	"github.com/gorilla/mux"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"io"
	"net/http"
	"strconv"
)

type mediaItem struct {
	contentType string
	filename    string
	uploader    string
	data        []byte
}

func (s *Server) mediaRoutes() []route {
	return []route{
		{name: "Upload", method: http.MethodPost, pattern: "/upload", handler: s.upload},
		{name: "Download", method: http.MethodGet, pattern: "/download/{serverName}/{mediaId}", handler: s.download, public: true},
		{name: "DownloadWithName", method: http.MethodGet, pattern: "/download/{serverName}/{mediaId}/{fileName}", handler: s.download, public: true},
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxUploadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, common_models.ErrCodeTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, common_models.ErrCodeUnknown, err.Error())
		return
	}
	mediaId, err := utils.GenerateRandomId(24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, common_models.ErrCodeUnknown, err.Error())
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.lock.Lock()
	s.media[mediaId] = &mediaItem{
		contentType: contentType,
		filename:    r.URL.Query().Get("filename"),
		uploader:    auth.userId,
		data:        data,
	}
	s.lock.Unlock()

	s.logger.Debug().Str("user_id", auth.userId).Str("media_id", mediaId).Int("size", len(data)).Msg("media uploaded")
	writeJSON(w, http.StatusOK, common_models.UploadResponse{ContentUri: fmt.Sprintf("mxc://%s/%s", s.options.ServerName, mediaId)})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if vars["serverName"] != s.options.ServerName {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown server")
		return
	}
	s.lock.Lock()
	item := s.media[vars["mediaId"]]
	s.lock.Unlock()
	if item == nil {
		writeError(w, http.StatusNotFound, common_models.ErrCodeNotFound, "unknown media")
		return
	}
	w.Header().Set("Content-Type", item.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(item.data)))
	if item.filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", item.filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(item.data)
}
