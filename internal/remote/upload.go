package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/snehjoshi/batchq/internal/types"
	"github.com/snehjoshi/batchq/internal/validate"
)

// FilePath is the endpoint path for uploads.
const FilePath = "file"

// FileUploader posts file contents as multipart form uploads.
type FileUploader struct {
	c *client
}

// NewFileUploader returns an uploader rooted at baseURL.
func NewFileUploader(baseURL string, opts ...Option) (*FileUploader, error) {
	c, err := newClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &FileUploader{c: c}, nil
}

// Send uploads payload as the "files" form field. The destination parameters
// travel as query parameters.
func (u *FileUploader) Send(ctx context.Context, dest types.Destination, payload []byte) (Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "file")
	if err != nil {
		return Response{}, fmt.Errorf("remote: build form: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return Response{}, fmt.Errorf("remote: build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Response{}, fmt.Errorf("remote: build form: %w", err)
	}
	return u.c.post(ctx, dest, mw.FormDataContentType(), buf.Bytes())
}

// Delete removes a stored file by the ID the endpoint assigned to it on
// upload (Upload.ID). The answer is returned unclassified.
func (u *FileUploader) Delete(ctx context.Context, fileID int64) (Response, error) {
	target := u.c.url(nil, FilePath, strconv.FormatInt(fileID, 10))
	return u.c.do(ctx, http.MethodDelete, target, "", nil)
}

// FileValidator accepts uploads addressed to FilePath that carry every
// validate.FileParams entry and a non-empty body.
func FileValidator() validate.Validator {
	return validate.All(validate.Func(func(dest types.Destination, _ []byte) error {
		if strings.Trim(dest.Path, "/") != FilePath {
			return fmt.Errorf("%w: uploads go to %q, got %q", ErrInvalidDestination, FilePath, dest.Path)
		}
		return nil
	}), validate.ForFile())
}

// FileMeta is the addressing information of one upload.
type FileMeta struct {
	Recipient string `json:"recipient"`
	Process   string `json:"process"`
	Folder    string `json:"folder"`
	Name      string `json:"name"`
	Batch     string `json:"batch"`
}

// FileDestination returns the upload destination for m.
func FileDestination(m FileMeta) types.Destination {
	return types.Destination{Path: FilePath, Params: map[string]string{
		"recipient": m.Recipient,
		"process":   m.Process,
		"folder":    m.Folder,
		"name":      m.Name,
		"batch":     m.Batch,
	}}
}

// Upload describes a stored file as reported by the endpoint.
type Upload struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Link string `json:"link"`
	// Key is the base-36 form of ID used in short links.
	Key string `json:"key"`
	// Type is the file extension of Name.
	Type string `json:"type"`
}

// ErrNoUpload is returned by ParseUpload when the body has no result entry.
var ErrNoUpload = errors.New("remote: response has no upload result")

// ParseUpload extracts the first entry of the "result" list of an upload
// response body.
func ParseUpload(body []byte) (Upload, error) {
	var doc struct {
		Result []struct {
			FileID int64  `json:"fileId"`
			Name   string `json:"name"`
			Link   string `json:"link"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Upload{}, fmt.Errorf("%w: %v", ErrNoUpload, err)
	}
	if len(doc.Result) == 0 {
		return Upload{}, ErrNoUpload
	}
	r := doc.Result[0]
	return Upload{
		ID:   r.FileID,
		Name: r.Name,
		Link: r.Link,
		Key:  strconv.FormatInt(r.FileID, 36),
		Type: strings.TrimPrefix(path.Ext(r.Name), "."),
	}, nil
}
