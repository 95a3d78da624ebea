package file

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/internal/service"
	"bitwise74/asset-api/pkg/util"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type uploadFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	Usage    any    `json:"usage,omitempty"`
}

// parseMetadata accepts either one object applied to every file or an
// array with one object per file, in upload order
func parseMetadata(raw string, n int) ([]service.Metadata, error) {
	out := make([]service.Metadata, n)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}

	if strings.HasPrefix(raw, "[") {
		var list []service.Metadata
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}

		if len(list) != n {
			return nil, errors.New("metadata array must have one entry per file")
		}

		return list, nil
	}

	var m service.Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}

	for i := range out {
		out[i] = m
		out[i].Tags = append([]string(nil), m.Tags...)
		out[i].UsageTags = append([]string(nil), m.UsageTags...)
		out[i].CharacterNames = append([]string(nil), m.CharacterNames...)
	}

	return out, nil
}

func FileUpload(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)
	userID := respond.Owner(c)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "Request body size exceeds limit",
				"requestID": requestID,
			})
			return
		}

		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Expected a multipart form",
			"requestID": requestID,
		})
		return
	}
	defer form.RemoveAll()

	fhs := append(form.File["files"], form.File["file"]...)

	if code, err := d.Validator.ValidateCount(len(fhs)); err != nil {
		c.JSON(code, gin.H{
			"error":     err.Error(),
			"kind":      service.KindValidation,
			"requestID": requestID,
		})
		return
	}

	var rawMeta string
	if v := form.Value["metadata"]; len(v) > 0 {
		rawMeta = v[0]
	}

	metas, err := parseMetadata(rawMeta, len(fhs))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Invalid metadata, " + err.Error(),
			"kind":      service.KindValidation,
			"requestID": requestID,
		})
		return
	}

	if err := os.MkdirAll(d.StagingDir, 0o700); err != nil {
		respond.Error(c, &service.TransientIOError{Op: "create staging directory", Err: err})
		return
	}

	failed := []uploadFailure{}

	var (
		uploads []service.Upload
		staged  []string
	)

	// Anything the pipeline didn't move or remove goes away with the request
	defer func() {
		for _, p := range staged {
			os.Remove(p)
		}
	}()

	for i, fh := range fhs {
		mimeType, _, err := d.Validator.Validate(fh)
		if err != nil {
			failed = append(failed, uploadFailure{
				Filename: fh.Filename,
				Error:    err.Error(),
				Kind:     service.KindValidation,
			})
			continue
		}

		dst := filepath.Join(d.StagingDir, util.RandStr(16))
		if err := saveStaged(fh, dst); err != nil {
			zap.L().Error("Failed to stage uploaded file", zap.String("requestID", requestID), zap.Error(err))

			failed = append(failed, uploadFailure{
				Filename: fh.Filename,
				Error:    "Failed to receive file",
				Kind:     service.KindIO,
			})
			continue
		}

		staged = append(staged, dst)
		uploads = append(uploads, service.Upload{
			Path:         dst,
			OriginalName: filepath.Base(fh.Filename),
			MimeType:     mimeType,
			Size:         fh.Size,
			Meta:         metas[i],
		})
	}

	results := d.Pipeline.IngestBatch(c.Request.Context(), userID, uploads)

	stored := make([]any, 0, len(results))

	for _, r := range results {
		if r.Err == nil {
			stored = append(stored, r.File)
			continue
		}

		_, body := respond.Body(c, r.Err)
		failed = append(failed, uploadFailure{
			Filename: r.OriginalName,
			Error:    body["error"].(string),
			Kind:     body["kind"].(string),
			Usage:    body["usage"],
		})
	}

	usage, err := d.Ledger.Usage(c.Request.Context(), userID)
	if err != nil {
		zap.L().Error("Failed to read storage usage", zap.String("requestID", requestID), zap.Error(err))
	}

	status := http.StatusCreated
	if len(stored) == 0 && len(failed) > 0 {
		status = service.StatusForKind(failed[0].Kind)
	}

	c.JSON(status, gin.H{
		"files":     stored,
		"failed":    failed,
		"usage":     usage,
		"requestID": requestID,
	})
}

func saveStaged(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if _, err := out.ReadFrom(src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}

	return out.Close()
}
