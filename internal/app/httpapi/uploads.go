package httpapi

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/internal/httputil"
)

const defaultMaxUploadBytes = 5 << 20

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// uploadStore keeps campaign cover images on local disk.
type uploadStore struct {
	dir      string
	maxBytes int64
}

func newUploadStore(dir string, maxBytes int64) uploadStore {
	if dir == "" {
		dir = "uploads"
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return uploadStore{dir: dir, maxBytes: maxBytes}
}

// save writes the file under a random name and returns that name.
func (u uploadStore) save(file multipart.File, header *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !imageExtensions[ext] {
		return "", svcerrors.BadRequest(fmt.Sprintf("unsupported image type %q", ext))
	}
	if header.Size > u.maxBytes {
		return "", svcerrors.BadRequest("image is too large")
	}
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", svcerrors.Internal("failed to prepare upload dir", err)
	}

	name := uuid.NewString() + ext
	dst, err := os.OpenFile(filepath.Join(u.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", svcerrors.Internal("failed to store image", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(file, u.maxBytes)); err != nil {
		return "", svcerrors.Internal("failed to store image", err)
	}
	return name, nil
}

// path resolves a stored name, refusing anything that is not a plain file
// name inside the upload dir.
func (u uploadStore) path(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return filepath.Join(u.dir, name), true
}

func (h *handler) serveUpload(w http.ResponseWriter, r *http.Request) {
	path, ok := h.uploads.path(mux.Vars(r)["name"])
	if !ok {
		httputil.NotFound(w, "file not found")
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		httputil.NotFound(w, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}
