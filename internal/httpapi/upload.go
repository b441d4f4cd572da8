package httpapi

import (
	"errors"
	"io"
	"os"
)

// readAllLimited reads at most limit+1 bytes from r, returning an error if
// that many bytes were available (the body is larger than limit).
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errors.New("body exceeds limit")
	}
	return b, nil
}

// bufferToTemp copies r into a new temp file in the default temp
// directory and returns its path. fileops.FinalizeUpload takes ownership
// of the file from here: it renames it into ~uploads on success or
// removes it on failure.
func bufferToTemp(r io.Reader) (string, error) {
	f, err := os.CreateTemp("", "pdata-upload-*")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
