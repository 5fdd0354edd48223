package clouddrive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"sync"
)

// multipartBoundary delimits the metadata and content parts of an upload.
const multipartBoundary = "CloudDriveBackupFormBoundary4f9d2c7a81e04b6f9a3d5c2e7b1f08d6"

// uploadForm holds the encoded parts surrounding the file content. The body
// length is known up front so the request is not sent chunked, which the
// content endpoint does not support.
type uploadForm struct {
	head        []byte
	tail        []byte
	contentType string
}

func newUploadForm(meta Node, filename string) (*uploadForm, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(multipartBoundary); err != nil {
		return nil, err
	}

	part, err := mw.CreateFormField("metadata")
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if _, err := mw.CreateFormFile("content", filename); err != nil {
		return nil, err
	}

	form := &uploadForm{
		head:        bytes.Clone(buf.Bytes()),
		contentType: mw.FormDataContentType(),
	}
	buf.Reset()
	if err := mw.Close(); err != nil {
		return nil, err
	}
	form.tail = bytes.Clone(buf.Bytes())
	return form, nil
}

// length returns the body length for content of the given size.
func (f *uploadForm) length(size int64) int64 {
	return int64(len(f.head)) + size + int64(len(f.tail))
}

// open returns a body streaming the file at path between the form parts.
// The file is read in chunks of bufSize and closed when the body is closed.
func (f *uploadForm) open(path string, bufSize int) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &uploadBody{
		Reader: io.MultiReader(
			bytes.NewReader(f.head),
			bufio.NewReaderSize(file, bufSize),
			bytes.NewReader(f.tail),
		),
		file: file,
	}, nil
}

type uploadBody struct {
	io.Reader
	file *os.File
	once sync.Once
	err  error
}

func (b *uploadBody) Close() error {
	b.once.Do(func() { b.err = b.file.Close() })
	return b.err
}
